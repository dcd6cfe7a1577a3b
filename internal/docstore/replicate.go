package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

const (
	msgHave = "have"
	msgNode = "node"
)

// syncMessage is the newline-delimited JSON frame replication sessions
// exchange. A session opens with its version vector ("have"); the peer
// answers with every node the vector is missing, then both sides
// stream live appends.
type syncMessage struct {
	Type   string            `json:"type"`
	Vector map[string]uint64 `json:"vector,omitempty"`
	Node   *VersionNode      `json:"node,omitempty"`
}

type session struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	enc     *json.Encoder
	out     chan VersionNode
	done    chan struct{}
	once    sync.Once
}

func (sess *session) send(msg syncMessage) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.enc.Encode(msg)
}

// stop closes the connection so a blocked read unwinds; without that
// the read goroutine would outlive the session.
func (sess *session) stop() {
	sess.once.Do(func() {
		close(sess.done)
		_ = sess.conn.Close()
	})
}

// Replicate runs a bidirectional live synchronization of version nodes
// with a peer holding the same document. It blocks for the lifetime of
// the connection and closes conn on return; multiple sessions may run
// concurrently, one per connected peer device.
func (s *Store) Replicate(ctx context.Context, conn io.ReadWriteCloser) error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return ErrNotOpen
	}
	sess := &session{
		conn: conn,
		enc:  json.NewEncoder(conn),
		out:  make(chan VersionNode, 1024),
		done: make(chan struct{}),
	}
	s.sessions[sess] = struct{}{}
	vector := make(map[string]uint64, len(s.vector))
	for writer, seq := range s.vector {
		vector[writer] = seq
	}
	s.mu.Unlock()

	replicationSessions.Inc()
	defer replicationSessions.Dec()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.stop()
	}()

	// Read before writing: the opening have exchange is symmetric and
	// the connection may be completely unbuffered.
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(sess) }()

	if err := sess.send(syncMessage{Type: msgHave, Vector: vector}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.done:
			return nil
		case err := <-readErr:
			if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		case node := <-sess.out:
			if err := sess.send(syncMessage{Type: msgNode, Node: &node}); err != nil {
				return err
			}
		}
	}
}

func (s *Store) readLoop(sess *session) error {
	dec := json.NewDecoder(sess.conn)
	for {
		var msg syncMessage
		if err := dec.Decode(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case msgHave:
			if err := s.sendMissing(sess, msg.Vector); err != nil {
				return err
			}
		case msgNode:
			if msg.Node != nil {
				s.applyRemote(sess, *msg.Node)
			}
		}
	}
}

// sendMissing streams every node the peer's vector has not seen, in
// local log order so per-writer order is preserved on the wire.
func (s *Store) sendMissing(sess *session, peerVector map[string]uint64) error {
	s.mu.RLock()
	missing := make([]VersionNode, 0)
	for _, node := range s.log {
		if node.Seq > peerVector[node.Writer] {
			missing = append(missing, node)
		}
	}
	s.mu.RUnlock()
	for _, node := range missing {
		if err := sess.send(syncMessage{Type: msgNode, Node: &node}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyRemote(source *session, node VersionNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.applyLocked(node) {
		return
	}
	_ = s.persistLocked()
	s.broadcastLocked(source, node)
}

// broadcastLocked fans a fresh node out to every live session except
// the one it arrived on. A session too slow to drain its buffer is
// dropped; it will catch up on reconnect via the have exchange.
func (s *Store) broadcastLocked(source *session, node VersionNode) {
	for sess := range s.sessions {
		if sess == source {
			continue
		}
		select {
		case sess.out <- node:
		default:
			sess.stop()
			delete(s.sessions, sess)
		}
	}
}
