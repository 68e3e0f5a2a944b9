package vansify

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestPresenceIngestReplacesSet(t *testing.T) {
	bus := NewEventBus(nil)
	updates := record(bus, TopicPresenceUpdated)
	r := NewPresenceReconciler(newFakeBackend(), bus, newFakeAuth("alice"))

	r.Ingest(PresenceFrame{{Username: "bob"}, {Username: "carol"}})
	got := r.Ingest(PresenceFrame{{Username: "carol"}, {Username: ""}, {Username: "dave"}, {Username: "carol", ProfilePicture: "x"}})

	want := []ActiveUser{{Username: "carol"}, {Username: "dave"}}
	if !reflect.DeepEqual(got, want) || !reflect.DeepEqual(r.ActiveUsers(), want) {
		t.Fatalf("users = %+v, want %+v", r.ActiveUsers(), want)
	}
	if r.IsActive("bob") {
		t.Fatal("bob should have left")
	}
	if !r.IsActive("dave") || r.Len() != 2 {
		t.Fatal("dave should be active")
	}
	if updates.len() != 2 {
		t.Fatalf("updates = %d, want 2", updates.len())
	}
	if p, ok := updates.lastPayload().([]ActiveUser); !ok || len(p) != 2 {
		t.Fatalf("payload = %#v", updates.lastPayload())
	}
}

func TestPresenceEmptyFrameClears(t *testing.T) {
	r := NewPresenceReconciler(newFakeBackend(), NewEventBus(nil), newFakeAuth("alice"))
	r.Ingest(PresenceFrame{{Username: "bob"}})
	r.Ingest(PresenceFrame{})
	if r.Len() != 0 || r.IsActive("bob") {
		t.Fatal("empty frame did not clear the set")
	}
}

func TestPresenceLoadSnapshot(t *testing.T) {
	api := newFakeBackend()
	api.activeUsers = []ActiveUser{{Username: "bob"}, {Username: "carol"}}
	r := NewPresenceReconciler(api, NewEventBus(nil), newFakeAuth("alice"))

	if err := r.LoadSnapshot(context.Background()); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}

	api.fetchErr = errors.New("offline")
	if err := r.LoadSnapshot(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 2 {
		t.Fatal("failed load changed the set")
	}
}

func TestPresenceAttach(t *testing.T) {
	bus := NewEventBus(nil)
	r := NewPresenceReconciler(newFakeBackend(), bus, newFakeAuth("alice"))
	topics := PresenceChannel.Topics
	r.Attach(topics)
	r.Attach(topics)
	if n := bus.SubscriberCount(topics.Message); n != 1 {
		t.Fatalf("message subscribers = %d, want 1", n)
	}

	bus.Publish(topics.Message, PresenceFrame{{Username: "bob"}})
	if !r.IsActive("bob") {
		t.Fatal("frame not ingested")
	}

	r.Detach()
	bus.Publish(topics.Message, PresenceFrame{})
	if !r.IsActive("bob") {
		t.Fatal("detached reconciler ingested a frame")
	}

	r.Reset()
	if r.Len() != 0 {
		t.Fatal("Reset kept users")
	}
}
