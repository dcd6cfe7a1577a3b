// Package docstore implements the replicated append-versioned
// key-value document that holds one identity's sub-identities, linked
// users, devices, and secrets. Every write appends an immutable
// version node; history is retained so concurrent replication sessions
// stay commutative.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"dwebid/go-backend/internal/idkey"
	"dwebid/go-backend/internal/securestore"

	"github.com/mr-tron/base58/base58"
)

const (
	RoleMaster = "master"
	RoleSlave  = "slave"

	authPrefix = "!auth!"
)

var (
	ErrKeyNotFound = errors.New("document key not found")
	ErrNotOpen     = errors.New("document store is not open")
	ErrAlreadyOpen = errors.New("document store is already open")
	ErrStorage     = errors.New("document storage failure")
)

// VersionNode is one immutable entry in a key's append-only history.
// (Writer, Seq) identifies a node globally; Seq counts the writer's own
// appends.
type VersionNode struct {
	Key       string          `json:"key"`
	Seq       uint64          `json:"seq"`
	Value     json.RawMessage `json:"value,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Writer    string          `json:"writer"`
	Timestamp time.Time       `json:"timestamp"`
}

// Entry pairs a key with its current value.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// OpenResult reports how the store came up.
type OpenResult struct {
	Role            string
	OwnerKey        []byte
	LocalReplicaKey []byte
}

// Store is the replicated document for one identity owner. A process
// owns exactly one Store per document; replication sessions may run
// concurrently against it.
type Store struct {
	mu         sync.RWMutex
	opened     bool
	role       string
	ownerKey   []byte
	localKP    idkey.Keypair
	writerID   string
	log        []VersionNode
	byKey      map[string][]int  // indices into log, in arrival order
	vector     map[string]uint64 // max seq seen per writer
	sessions   map[*session]struct{}
	path       string
	passphrase string
	now        func() time.Time
}

// Option configures a Store before Open.
type Option func(*Store)

// WithSnapshotFile persists the log to path, sealed with passphrase
// when one is given.
func WithSnapshotFile(path, passphrase string) Option {
	return func(s *Store) {
		s.path = strings.TrimSpace(path)
		s.passphrase = strings.TrimSpace(passphrase)
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		byKey:    make(map[string][]int),
		vector:   make(map[string]uint64),
		sessions: make(map[*session]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open establishes the store's role. With a nil ownerKey this store
// becomes authoritative (master) and its own replica key is the owner
// key; otherwise it opens as a slave replica of the given owner. The
// replica keypair is restored from the snapshot when one exists, so
// the writer id, and with it any authorization grant keyed by it,
// survives restarts.
func (s *Store) Open(ownerKey []byte) (OpenResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return OpenResult{}, ErrAlreadyOpen
	}
	if err := s.loadLocked(); err != nil {
		return OpenResult{}, err
	}
	created := false
	if len(s.localKP.PublicKey) == 0 {
		kp, err := idkey.NewKeypair()
		if err != nil {
			return OpenResult{}, err
		}
		s.localKP = kp
		created = true
	}
	s.writerID = base58.Encode(s.localKP.PublicKey)
	if len(ownerKey) == 0 {
		s.role = RoleMaster
		s.ownerKey = append([]byte(nil), s.localKP.PublicKey...)
	} else {
		s.role = RoleSlave
		s.ownerKey = append([]byte(nil), ownerKey...)
	}
	if created {
		if err := s.persistLocked(); err != nil {
			return OpenResult{}, err
		}
	}
	s.opened = true
	return OpenResult{
		Role:            s.role,
		OwnerKey:        append([]byte(nil), s.ownerKey...),
		LocalReplicaKey: append([]byte(nil), s.localKP.PublicKey...),
	}, nil
}

func (s *Store) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// WriterID is the base58 replica key this store appends under.
func (s *Store) WriterID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writerID
}

func (s *Store) OwnerKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.ownerKey...)
}

// Get returns the current value for key: the winning version node's
// value, or ErrKeyNotFound if the key was never written or its winner
// is a tombstone.
func (s *Store) Get(key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened {
		return nil, ErrNotOpen
	}
	node := s.currentLocked(key)
	if node == nil || node.Tombstone {
		return nil, ErrKeyNotFound
	}
	return append(json.RawMessage(nil), node.Value...), nil
}

// GetJSON unmarshals the current value for key into out.
func (s *Store) GetJSON(key string, out any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Put appends a new version node for key. Prior nodes are retained.
func (s *Store) Put(key string, value json.RawMessage) error {
	return s.append(key, append(json.RawMessage(nil), value...), false)
}

// PutJSON marshals v and appends it under key.
func (s *Store) PutJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.append(key, raw, false)
}

// Delete appends a tombstone node; subsequent Gets return
// ErrKeyNotFound. Deleting an absent key is still an append so the
// tombstone replicates.
func (s *Store) Delete(key string) error {
	return s.append(key, nil, true)
}

// List returns a restartable iterator over keys beginning with prefix,
// in lexicographic key order, skipping tombstoned keys.
func (s *Store) List(prefix string) *Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]Entry, 0)
	keys := make([]string, 0)
	for key := range s.byKey {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		node := s.currentLocked(key)
		if node == nil || node.Tombstone {
			continue
		}
		entries = append(entries, Entry{Key: key, Value: append(json.RawMessage(nil), node.Value...)})
	}
	return &Iterator{entries: entries}
}

// Authorize marks a replica writer key as allowed to mutate the
// document. The grant is itself an append, so it reaches other
// replicas through normal replication.
func (s *Store) Authorize(writerID string) error {
	return s.PutJSON(authPrefix+writerID, map[string]bool{"authorized": true})
}

// Authorized reports whether writerID may mutate this document. The
// owner's master store is always authorized for its own writes.
func (s *Store) Authorized(writerID string) bool {
	s.mu.RLock()
	if s.role == RoleMaster && writerID == s.writerID {
		s.mu.RUnlock()
		return true
	}
	s.mu.RUnlock()
	_, err := s.Get(authPrefix + writerID)
	return err == nil
}

// Close persists the snapshot and tears down replication sessions.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	for sess := range s.sessions {
		sess.stop()
	}
	s.sessions = make(map[*session]struct{})
	err := s.persistLocked()
	s.opened = false
	return err
}

func (s *Store) append(key string, value json.RawMessage, tombstone bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrNotOpen
	}
	node := VersionNode{
		Key:       key,
		Seq:       s.vector[s.writerID] + 1,
		Value:     value,
		Tombstone: tombstone,
		Writer:    s.writerID,
		Timestamp: s.now().UTC(),
	}
	s.applyLocked(node)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.broadcastLocked(nil, node)
	return nil
}

// applyLocked appends a node to the log and indexes. Duplicate
// (writer, seq) pairs are dropped so replication stays idempotent.
func (s *Store) applyLocked(node VersionNode) bool {
	if node.Seq <= s.vector[node.Writer] && s.hasNodeLocked(node.Writer, node.Seq) {
		return false
	}
	s.log = append(s.log, node)
	s.byKey[node.Key] = append(s.byKey[node.Key], len(s.log)-1)
	if node.Seq > s.vector[node.Writer] {
		s.vector[node.Writer] = node.Seq
	}
	docAppends.Inc()
	return true
}

func (s *Store) hasNodeLocked(writer string, seq uint64) bool {
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].Writer == writer && s.log[i].Seq == seq {
			return true
		}
	}
	return false
}

// currentLocked resolves a key's winning node: last write wins by
// timestamp, ties broken by writer id then per-writer seq so all
// replicas converge on the same winner.
func (s *Store) currentLocked(key string) *VersionNode {
	indices := s.byKey[key]
	if len(indices) == 0 {
		return nil
	}
	winner := &s.log[indices[0]]
	for _, idx := range indices[1:] {
		candidate := &s.log[idx]
		if nodeWins(candidate, winner) {
			winner = candidate
		}
	}
	return winner
}

func nodeWins(a, b *VersionNode) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Writer != b.Writer {
		return a.Writer > b.Writer
	}
	return a.Seq > b.Seq
}

// snapshotFile is the persisted form of the store: the replica keypair
// plus the full version log.
type snapshotFile struct {
	Replica *replicaKey   `json:"replica,omitempty"`
	Log     []VersionNode `json:"log"`
}

type replicaKey struct {
	PublicKey []byte `json:"publicKey"`
	SecretKey []byte `json:"secretKey"`
}

func (s *Store) loadLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := securestore.ReadFileMaybeEncrypted(s.path, s.passphrase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot snapshotFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if snapshot.Replica != nil && len(snapshot.Replica.PublicKey) > 0 {
		s.localKP = idkey.Keypair{
			PublicKey: append([]byte(nil), snapshot.Replica.PublicKey...),
			SecretKey: append([]byte(nil), snapshot.Replica.SecretKey...),
		}
	}
	for _, node := range snapshot.Log {
		s.applyLocked(node)
	}
	return nil
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	snapshot := snapshotFile{Log: s.log}
	if len(s.localKP.PublicKey) > 0 {
		snapshot.Replica = &replicaKey{
			PublicKey: append([]byte(nil), s.localKP.PublicKey...),
			SecretKey: append([]byte(nil), s.localKP.SecretKey...),
		}
	}
	if err := securestore.WriteJSONFile(s.path, s.passphrase, snapshot); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Iterator walks a List result. Restart by calling List again.
type Iterator struct {
	entries []Entry
	pos     int
}

func (it *Iterator) Next() (Entry, bool) {
	if it.pos >= len(it.entries) {
		return Entry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

func (it *Iterator) Len() int {
	return len(it.entries)
}
