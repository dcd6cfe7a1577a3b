package app

import (
	"sync"
	"time"

	"dwebid/go-backend/pkg/models"
)

// Event is one completed document mutation, fanned out to subscribers.
type Event struct {
	Seq       int64
	Method    string
	Payload   any
	Timestamp time.Time
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// EventHub keeps a bounded history of document events and fans new
// ones out to subscribers. Slow subscribers are dropped rather than
// blocking the publisher.
type EventHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewEventHub(limit int) *EventHub {
	if limit < 1 {
		limit = 1
	}
	return &EventHub{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

func (h *EventHub) Publish(method string, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: nowUTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}

	return event
}

// Subscribe returns the buffered history at or after fromSeq plus a
// live channel and a cancel func.
func (h *EventHub) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []Event
	for _, ev := range h.history {
		if ev.Seq >= fromSeq {
			replay = append(replay, ev)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 16)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

// OnRegistered and friends implement the document observer so that
// every mutation surfaces as a hub event.
func (h *EventHub) OnRegistered(rec models.RegistryRecord) {
	h.Publish("identity.registered", rec)
}

func (h *EventHub) OnUserDataAdded(p models.Profile) {
	h.Publish("identity.user_data_added", p)
}

func (h *EventHub) OnRemoteUserAdded(remote models.RemoteUser) {
	h.Publish("identity.remote_user_added", remote)
}

func (h *EventHub) OnSubIdentityAdded(sub models.SubIdentity) {
	h.Publish("identity.sub_identity_added", sub)
}

func (h *EventHub) OnDeviceAdded(rec models.DeviceRecord) {
	h.Publish("identity.device_added", rec)
}
