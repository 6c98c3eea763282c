package api

import (
	"encoding/json"
	"testing"
	"time"

	"autotrade-core/internal/events"
)

func TestNewWSHubInitializesChannelsAndMap(t *testing.T) {
	hub := NewWSHub()
	if hub.clients == nil {
		t.Error("clients map not initialized")
	}
	if hub.broadcast == nil {
		t.Error("broadcast channel not initialized")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("register/unregister channels not initialized")
	}
}

func TestBroadcastEventDeliversToRegisteredClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{send: make(chan []byte, 4), hub: hub, closeChan: make(chan struct{})}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.BroadcastEvent(events.Event{Type: events.EventPortfolioUpdate, Data: map[string]interface{}{"cash": 1000.0}})

	select {
	case msg := <-client.send:
		var decoded events.Event
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("broadcast payload is not valid JSON: %v", err)
		}
		if decoded.Type != events.EventPortfolioUpdate {
			t.Errorf("expected event type %q, got %q", events.EventPortfolioUpdate, decoded.Type)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("client never received broadcast message")
	}
}

func TestUnregisterRemovesClientAndClosesSendChannel(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{send: make(chan []byte, 4), hub: hub, closeChan: make(chan struct{})}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if hub.GetClientCount() != 1 {
		t.Fatalf("expected 1 registered client, got %d", hub.GetClientCount())
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if hub.GetClientCount() != 0 {
		t.Fatalf("expected 0 registered clients after unregister, got %d", hub.GetClientCount())
	}

	if _, ok := <-client.send; ok {
		t.Error("expected client.send to be closed after unregister")
	}
}

func TestSendPongQueuesPongFrame(t *testing.T) {
	client := &WSClient{send: make(chan []byte, 1)}
	client.sendPong()

	select {
	case msg := <-client.send:
		if string(msg) != `{"type":"pong"}` {
			t.Errorf("unexpected pong payload: %s", msg)
		}
	default:
		t.Fatal("expected a queued pong frame")
	}
}
