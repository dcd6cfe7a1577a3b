// Package swarm is the transport/discovery collaborator: it joins
// rendezvous topics (discovery keys) and hands each peer connection to
// the document's replication engine as a duplex byte stream.
package swarm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State     string
	PeerCount int
	Topics    int
	LastSync  time.Time
}

// ConnHandler receives one duplex connection per discovered peer on a
// joined topic.
type ConnHandler func(topic string, conn io.ReadWriteCloser)

// gowakuBackend is implemented by the real transport compiled in with
// the real_waku build tag.
type gowakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	Join(topic string) error
	Leave(topic string)
	SetConnHandler(handler ConnHandler)
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                61000,
		MinPeers:            1,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

// Node multiplexes topic membership over one transport backend.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	handler ConnHandler
	topics  map[string]struct{}
	gw      gowakuBackend
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg:    cfg,
		status: Status{State: StateDisconnected},
		topics: make(map[string]struct{}),
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	// Malformed bootstrap addresses are dropped up front instead of
	// failing every dial attempt later.
	valid := make([]string, 0, len(cfg.BootstrapNodes))
	for _, addr := range cfg.BootstrapNodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			continue
		}
		valid = append(valid, addr)
	}
	cfg.BootstrapNodes = valid
	return cfg
}

// OnConnection sets the handler invoked for every new peer connection.
// It must be set before Join.
func (n *Node) OnConnection(handler ConnHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
	if n.gw != nil {
		n.gw.SetConnHandler(handler)
	}
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.status.State = StateConnecting
	n.status.LastSync = time.Now()
	cfg := n.cfg
	handler := n.handler
	n.mu.Unlock()

	if cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		if handler != nil {
			backend.SetConnHandler(handler)
		}
		if err := backend.Start(ctx, cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount := backend.PeerCount()
		n.mu.Lock()
		n.gw = backend
		n.status.State = startupStateFromPeerCount(peerCount, cfg)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	n.mu.Lock()
	n.status.State = StateConnected
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	for topic := range n.topics {
		globalBus.leave(topic, n)
	}
	n.topics = make(map[string]struct{})
	n.status.State = StateDisconnected
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

// Join subscribes to a rendezvous topic; every peer already on the
// topic yields one connection through the handler on each side.
func (n *Node) Join(topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	n.mu.Lock()
	if n.status.State == StateDisconnected {
		n.mu.Unlock()
		return errors.New("swarm node is not started")
	}
	if _, joined := n.topics[topic]; joined {
		n.mu.Unlock()
		return nil
	}
	n.topics[topic] = struct{}{}
	gw := n.gw
	n.mu.Unlock()

	if gw != nil {
		return gw.Join(topic)
	}
	globalBus.join(topic, n)
	return nil
}

func (n *Node) Leave(topic string) {
	n.mu.Lock()
	delete(n.topics, topic)
	gw := n.gw
	n.mu.Unlock()
	if gw != nil {
		gw.Leave(topic)
		return
	}
	globalBus.leave(topic, n)
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	s.Topics = len(n.topics)
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.State = StateDisconnected
	n.status.PeerCount = 0
}

func (n *Node) connHandler() ConnHandler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handler
}

func (n *Node) addPeer(delta int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.PeerCount += delta
	if n.status.PeerCount < 0 {
		n.status.PeerCount = 0
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= cfg.MinPeers {
		return StateConnected
	}
	return StateDegraded
}
