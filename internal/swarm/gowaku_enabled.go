//go:build real_waku

package swarm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const (
	swarmPubsubTopic      = "/waku/2/default-waku/proto"
	swarmContentTopicBase = "/dwebid/1/swarm/"
	frameKindSyn          = "syn"
	frameKindSynAck       = "synack"
	frameKindData         = "data"
	frameKindFin          = "fin"
)

// linkFrame is one message on a rendezvous topic. Peer discovery and
// the per-peer byte stream both ride on relay frames; the conn handed
// to the replication engine reassembles Data payloads in order.
type linkFrame struct {
	Topic   string `json:"topic"`
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
}

type goWakuSwarm struct {
	mu      sync.RWMutex
	node    *wakuNode.WakuNode
	cfg     Config
	selfID  string
	handler ConnHandler
	links   map[string]*wakuConn // topic+"|"+peer
}

func newGoWakuBackend() gowakuBackend {
	return &goWakuSwarm{links: make(map[string]*wakuConn)}
}

func (g *goWakuSwarm) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
		wakuNode.WithLightPush(),
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapNodes {
		_ = node.DialPeer(ctx, addr)
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		node.Stop()
		return err
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.selfID = hex.EncodeToString(buf)
	g.mu.Unlock()
	return nil
}

func (g *goWakuSwarm) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, conn := range g.links {
		conn.closeLocal()
		delete(g.links, key)
	}
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuSwarm) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuSwarm) SetConnHandler(handler ConnHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = handler
}

func (g *goWakuSwarm) Join(topic string) error {
	g.mu.RLock()
	node := g.node
	selfID := g.selfID
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	filter := protocol.NewContentFilter(swarmPubsubTopic, contentTopicFor(topic))
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go g.consume(topic, sub)
	}
	return g.publish(context.Background(), linkFrame{Topic: topic, From: selfID, Kind: frameKindSyn})
}

func (g *goWakuSwarm) Leave(topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, conn := range g.links {
		if conn.topic == topic {
			conn.closeLocal()
			delete(g.links, key)
		}
	}
}

func (g *goWakuSwarm) consume(topic string, sub *relay.Subscription) {
	for env := range sub.Ch {
		if env == nil || env.Message() == nil {
			continue
		}
		var frame linkFrame
		if err := json.Unmarshal(env.Message().Payload, &frame); err != nil {
			continue
		}
		if frame.Topic != topic {
			continue
		}
		g.handleFrame(frame)
	}
}

func (g *goWakuSwarm) handleFrame(frame linkFrame) {
	g.mu.Lock()
	selfID := g.selfID
	if frame.From == selfID || (frame.To != "" && frame.To != selfID) {
		g.mu.Unlock()
		return
	}
	key := frame.Topic + "|" + frame.From
	conn, known := g.links[key]
	if !known && (frame.Kind == frameKindSyn || frame.Kind == frameKindSynAck) {
		conn = newWakuConn(g, frame.Topic, selfID, frame.From)
		g.links[key] = conn
		handler := g.handler
		g.mu.Unlock()
		if handler != nil {
			go handler(frame.Topic, conn)
		}
		if frame.Kind == frameKindSyn {
			_ = g.publish(context.Background(), linkFrame{
				Topic: frame.Topic, From: selfID, To: frame.From, Kind: frameKindSynAck,
			})
		}
		return
	}
	g.mu.Unlock()
	if conn == nil {
		return
	}
	switch frame.Kind {
	case frameKindData:
		conn.push(frame.Payload)
	case frameKindFin:
		conn.closeLocal()
		g.mu.Lock()
		delete(g.links, key)
		g.mu.Unlock()
	}
}

func (g *goWakuSwarm) publish(ctx context.Context, frame linkFrame) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopicFor(frame.Topic),
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(swarmPubsubTopic))
	return err
}

func contentTopicFor(topic string) string {
	return swarmContentTopicBase + topic + "/proto"
}

// wakuConn adapts a peer link to io.ReadWriteCloser for the
// replication engine.
type wakuConn struct {
	g      *goWakuSwarm
	topic  string
	selfID string
	peerID string

	mu     sync.Mutex
	buf    []byte
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWakuConn(g *goWakuSwarm, topic, selfID, peerID string) *wakuConn {
	return &wakuConn{
		g:      g,
		topic:  topic,
		selfID: selfID,
		peerID: peerID,
		inbox:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *wakuConn) push(payload []byte) {
	select {
	case c.inbox <- append([]byte(nil), payload...):
	case <-c.closed:
	}
}

func (c *wakuConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 {
		c.mu.Unlock()
		select {
		case chunk, ok := <-c.inbox:
			c.mu.Lock()
			if !ok {
				return 0, io.EOF
			}
			c.buf = append(c.buf, chunk...)
		case <-c.closed:
			c.mu.Lock()
			return 0, io.EOF
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wakuConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	err := c.g.publish(context.Background(), linkFrame{
		Topic:   c.topic,
		From:    c.selfID,
		To:      c.peerID,
		Kind:    frameKindData,
		Payload: append([]byte(nil), p...),
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wakuConn) Close() error {
	err := c.g.publish(context.Background(), linkFrame{
		Topic: c.topic, From: c.selfID, To: c.peerID, Kind: frameKindFin,
	})
	c.closeLocal()
	return err
}

func (c *wakuConn) closeLocal() {
	c.once.Do(func() { close(c.closed) })
}
