package monitor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPublishNonBlocking(t *testing.T) {
	bus := NewBus(2, nil, nil)

	// Fill the buffer and keep publishing; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Alert{Kind: KindDegradedWrite, Message: "m"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	if bus.Dropped() == 0 {
		t.Error("overflow should be counted as dropped alerts")
	}
}

func TestPublishDropsOldest(t *testing.T) {
	bus := NewBus(2, nil, nil)

	bus.Publish(Alert{Message: "first"})
	bus.Publish(Alert{Message: "second"})
	bus.Publish(Alert{Message: "third"}) // evicts "first"

	got := []string{(<-bus.ch).Message, (<-bus.ch).Message}
	if got[0] != "second" || got[1] != "third" {
		t.Errorf("buffer after overflow = %v, want [second third]", got)
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus(1, nil, nil)
	bus.Publish(Alert{Kind: KindTampering, Message: "m"})
	alert := <-bus.ch
	if alert.At.IsZero() {
		t.Error("Publish should stamp alerts missing a time")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	bus := NewBus(4, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(Alert{Kind: KindNoSubscribers, Message: "channel quiet", At: time.Now()})

	var got Alert
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("reading broadcast: %v", err)
	}
	if got.Kind != KindNoSubscribers || got.Message != "channel quiet" {
		t.Errorf("received %+v", got)
	}
}

func TestBusFansOutToHub(t *testing.T) {
	hub := NewHub(nil)
	bus := NewBus(4, hub, nil)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.Publish(Alert{Kind: KindWorkerStopped, Message: "queue worker gave up"})

	var got Alert
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("reading alert: %v", err)
	}
	if got.Kind != KindWorkerStopped {
		t.Errorf("Kind = %q, want %q", got.Kind, KindWorkerStopped)
	}
}
