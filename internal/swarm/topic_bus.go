package swarm

import (
	"net"
	"sync"
)

// topicBus is the in-process mock transport. Nodes joining the same
// topic are wired pairwise with net.Pipe, which gives both sides the
// same duplex byte stream a real peer connection would.
type topicBus struct {
	mu      sync.Mutex
	members map[string][]*Node
}

var globalBus = &topicBus{members: make(map[string][]*Node)}

func (b *topicBus) join(topic string, joining *Node) {
	b.mu.Lock()
	existing := append([]*Node(nil), b.members[topic]...)
	b.members[topic] = append(b.members[topic], joining)
	b.mu.Unlock()

	for _, peer := range existing {
		joinSide, peerSide := net.Pipe()
		deliver(joining, topic, joinSide)
		deliver(peer, topic, peerSide)
	}
}

func (b *topicBus) leave(topic string, leaving *Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.members[topic]
	for i, n := range members {
		if n == leaving {
			b.members[topic] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(b.members[topic]) == 0 {
		delete(b.members, topic)
	}
}

func deliver(n *Node, topic string, conn net.Conn) {
	handler := n.connHandler()
	if handler == nil {
		_ = conn.Close()
		return
	}
	n.addPeer(1)
	go func() {
		defer n.addPeer(-1)
		handler(topic, conn)
	}()
}
