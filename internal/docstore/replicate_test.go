package docstore

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

func connectStores(t *testing.T, a, b *Store) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	aSide, bSide := net.Pipe()
	go func() { _ = a.Replicate(ctx, aSide) }()
	go func() { _ = b.Replicate(ctx, bSide) }()
	return func() {
		cancel()
		_ = aSide.Close()
		_ = bSide.Close()
	}
}

func waitForKey(t *testing.T, s *Store, key, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var got string
		err := s.GetJSON(key, &got)
		if err == nil && got == want {
			return
		}
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			t.Fatalf("get %s: %v", key, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store never converged on %s=%q", key, want)
}

func waitForMissing(t *testing.T, s *Store, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Get(key); errors.Is(err, ErrKeyNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store never dropped %s", key)
}

func TestReplicateCatchesUpExistingNodes(t *testing.T) {
	master := openedStore(t)
	if err := master.PutJSON("!user", "alice-profile"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := master.PutJSON("!identities!default", "default-identity"); err != nil {
		t.Fatalf("put: %v", err)
	}

	slave := New()
	if _, err := slave.Open(master.OwnerKey()); err != nil {
		t.Fatalf("open slave: %v", err)
	}

	stop := connectStores(t, master, slave)
	defer stop()

	waitForKey(t, slave, "!user", "alice-profile")
	waitForKey(t, slave, "!identities!default", "default-identity")
}

func TestReplicateStreamsLiveAppendsBothWays(t *testing.T) {
	master := openedStore(t)
	slave := New()
	if _, err := slave.Open(master.OwnerKey()); err != nil {
		t.Fatalf("open slave: %v", err)
	}

	stop := connectStores(t, master, slave)
	defer stop()

	if err := master.PutJSON("!user", "from-master"); err != nil {
		t.Fatalf("put on master: %v", err)
	}
	waitForKey(t, slave, "!user", "from-master")

	if err := slave.PutJSON("!user!bob", "from-slave"); err != nil {
		t.Fatalf("put on slave: %v", err)
	}
	waitForKey(t, master, "!user!bob", "from-slave")
}

func TestReplicateTombstonesPropagate(t *testing.T) {
	master := openedStore(t)
	slave := New()
	if _, err := slave.Open(master.OwnerKey()); err != nil {
		t.Fatalf("open slave: %v", err)
	}

	stop := connectStores(t, master, slave)
	defer stop()

	if err := master.PutJSON("!identities!dev", "x"); err != nil {
		t.Fatalf("put: %v", err)
	}
	waitForKey(t, slave, "!identities!dev", "x")

	if err := master.Delete("!identities!dev"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitForMissing(t, slave, "!identities!dev")
}

func TestReplicateRelaysThroughIntermediate(t *testing.T) {
	master := openedStore(t)
	middle := New()
	if _, err := middle.Open(master.OwnerKey()); err != nil {
		t.Fatalf("open middle: %v", err)
	}
	edge := New()
	if _, err := edge.Open(master.OwnerKey()); err != nil {
		t.Fatalf("open edge: %v", err)
	}

	stopA := connectStores(t, master, middle)
	defer stopA()
	stopB := connectStores(t, middle, edge)
	defer stopB()

	if err := master.PutJSON("!user", "relayed"); err != nil {
		t.Fatalf("put: %v", err)
	}
	waitForKey(t, edge, "!user", "relayed")
}

func TestReplicateClosesConnOnCancel(t *testing.T) {
	s := openedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	local, remote := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- s.Replicate(ctx, local) }()

	// Drain the opening have frame so the session is live.
	buf := make([]byte, 4096)
	if _, err := remote.Read(buf); err != nil {
		t.Fatalf("read have frame: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replicate did not return after cancel")
	}

	// The session must close its side so the peer, and the session's
	// own read goroutine, unblock instead of hanging forever.
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := remote.Read(buf); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected peer read to fail after close, got %v", err)
	}
}

func TestReplicateRequiresOpenStore(t *testing.T) {
	s := New()
	aSide, bSide := net.Pipe()
	defer aSide.Close()
	defer bSide.Close()
	if err := s.Replicate(context.Background(), aSide); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}
