// Package authgate decides whether the running device may perform a
// mutating document operation. A master device is always permitted; a
// slave is permitted only while the document store's capability check
// for its replica key holds.
package authgate

import (
	"context"
	"errors"
	"sync"
)

const (
	StateUnopened    = "unopened"
	StateOpening     = "opening"
	StateMasterReady = "master-ready"
	StateSlaveReady  = "slave-ready"
)

var (
	ErrNotReady      = errors.New("identity document is not open yet")
	ErrNotAuthorized = errors.New("device is not authorized to mutate the identity document")
	ErrAlreadyOpen   = errors.New("authorization gate already opened")
)

type Gate struct {
	mu         sync.Mutex
	state      string
	authorized func() bool
	ready      chan struct{}
}

func New() *Gate {
	return &Gate{
		state: StateUnopened,
		ready: make(chan struct{}),
	}
}

// Begin moves the gate into Opening. Only one open attempt may be in
// flight.
func (g *Gate) Begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateUnopened {
		return ErrAlreadyOpen
	}
	g.state = StateOpening
	return nil
}

// CompleteMaster settles the gate as the master device.
func (g *Gate) CompleteMaster() {
	g.complete(StateMasterReady, nil)
}

// CompleteSlave settles the gate as a slave; authorized is consulted on
// every mutating call so a later grant takes effect without reopening.
func (g *Gate) CompleteSlave(authorized func() bool) {
	g.complete(StateSlaveReady, authorized)
}

func (g *Gate) complete(state string, authorized func() bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateOpening {
		return
	}
	g.state = state
	g.authorized = authorized
	close(g.ready)
}

// Fail returns the gate to Unopened so open can be retried.
func (g *Gate) Fail() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateOpening {
		g.state = StateUnopened
	}
}

// WaitReady blocks until the gate settles or ctx ends.
func (g *Gate) WaitReady(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Permit reports whether a mutating operation may proceed right now.
func (g *Gate) Permit() error {
	g.mu.Lock()
	state := g.state
	authorized := g.authorized
	g.mu.Unlock()
	switch state {
	case StateMasterReady:
		return nil
	case StateSlaveReady:
		if authorized != nil && authorized() {
			return nil
		}
		return ErrNotAuthorized
	default:
		return ErrNotReady
	}
}

func (g *Gate) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
