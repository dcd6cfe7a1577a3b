package app

import (
	"testing"

	"dwebid/go-backend/pkg/models"
)

func TestEventHubPublishAndReplay(t *testing.T) {
	hub := NewEventHub(8)
	hub.Publish("identity.registered", nil)
	hub.Publish("identity.device_added", nil)

	replay, live, cancel := hub.Subscribe(0)
	defer cancel()
	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(replay))
	}
	if replay[0].Seq != 1 || replay[1].Seq != 2 {
		t.Fatalf("unexpected replay sequence: %d, %d", replay[0].Seq, replay[1].Seq)
	}

	hub.Publish("identity.user_data_added", models.Profile{DisplayName: "Alice"})
	ev := <-live
	if ev.Method != "identity.user_data_added" || ev.Seq != 3 {
		t.Fatalf("unexpected live event: %+v", ev)
	}
}

func TestEventHubBoundsHistory(t *testing.T) {
	hub := NewEventHub(2)
	for i := 0; i < 5; i++ {
		hub.Publish("identity.registered", nil)
	}
	replay, _, cancel := hub.Subscribe(0)
	defer cancel()
	if len(replay) != 2 {
		t.Fatalf("expected bounded history of 2, got %d", len(replay))
	}
	if replay[0].Seq != 4 {
		t.Fatalf("expected oldest retained seq 4, got %d", replay[0].Seq)
	}
}

func TestEventHubObserverMethods(t *testing.T) {
	hub := NewEventHub(8)
	hub.OnRegistered(models.RegistryRecord{Username: "alice"})
	hub.OnDeviceAdded(models.DeviceRecord{DeviceID: "master"})

	replay, _, cancel := hub.Subscribe(0)
	defer cancel()
	if len(replay) != 2 {
		t.Fatalf("expected 2 events, got %d", len(replay))
	}
	if replay[0].Method != "identity.registered" {
		t.Fatalf("unexpected method %q", replay[0].Method)
	}
	rec, ok := replay[0].Payload.(models.RegistryRecord)
	if !ok || rec.Username != "alice" {
		t.Fatalf("unexpected payload %+v", replay[0].Payload)
	}
}
