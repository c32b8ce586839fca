package sim

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"lumeview.com/client/session"
)

// exercises a real polling channel against the simulated backend

func fastSettings() *session.PollingChannelSettings {
	settings := session.DefaultPollingChannelSettings()
	settings.BasePollTimeout = 20 * time.Millisecond
	settings.MaxPollTimeout = 50 * time.Millisecond
	return settings
}

func awaitEvent(t *testing.T, events chan *session.Event, timeout time.Duration) *session.Event {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for event")
		return nil
	}
}

func TestChannelAgainstBackend(t *testing.T) {
	backend := NewBackendWithDefaults()
	server := httptest.NewServer(backend.Router())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := session.NewPollingChannel(ctx, server.URL+"/channel", "e2e", fastSettings())
	defer channel.Close()

	opens := make(chan *session.Event, 16)
	messages := make(chan *session.Event, 16)
	closes := make(chan *session.Event, 16)
	channel.AddListener(session.EventOpen, func(event *session.Event) {
		opens <- event
	})
	channel.AddListener(session.EventMessage, func(event *session.Event) {
		messages <- event
	})
	channel.AddListener(session.EventClose, func(event *session.Event) {
		closes <- event
	})

	// first successful poll opens the channel
	awaitEvent(t, opens, 2*time.Second)
	assert.Equal(t, channel.State(), session.ChannelOpen)

	// a queued message arrives on a subsequent poll
	err := backend.Queue("e2e", map[string]any{"type": "notification", "kind": "refresh"})
	assert.Equal(t, err, nil)
	event := awaitEvent(t, messages, 2*time.Second)

	var message map[string]any
	err = json.Unmarshal(event.Data, &message)
	assert.Equal(t, err, nil)
	assert.Equal(t, message["kind"], "refresh")

	// a sent payload lands in the backend
	channel.Send(map[string]any{"type": "update", "n": 1})
	deadline := time.Now().Add(2 * time.Second)
	for len(backend.Applied("e2e")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for applied payload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// an outage closes the channel once
	backend.SetOnline(false)
	awaitEvent(t, closes, 2*time.Second)
	assert.Equal(t, channel.State(), session.ChannelClosed)

	// a payload sent during the outage joins the backlog
	channel.Send(map[string]any{"type": "update", "n": 2})
	time.Sleep(100 * time.Millisecond)

	// recovery reopens the channel and relays the backlog
	backend.SetOnline(true)
	awaitEvent(t, opens, 2*time.Second)
	assert.Equal(t, channel.State(), session.ChannelOpen)

	deadline = time.Now().Add(2 * time.Second)
	for len(backend.Relayed("e2e")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for relayed backlog")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var relayed map[string]any
	err = json.Unmarshal(backend.Relayed("e2e")[0], &relayed)
	assert.Equal(t, err, nil)
	assert.Equal(t, relayed["n"], float64(2))
}

func TestStateStoreAgainstBackend(t *testing.T) {
	backend := NewBackendWithDefaults()
	server := httptest.NewServer(backend.Router())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := session.NewPollingChannel(ctx, server.URL+"/channel", "e2e-state", fastSettings())
	defer channel.Close()

	store := session.NewStateStore(channel)
	defer store.Close()

	statuses := make(chan session.ConnectionStatus, 16)
	states := make(chan *session.StateDescription, 16)
	store.AddStatusListener(func(status session.ConnectionStatus) {
		statuses <- status
	})
	store.AddStateListener(func(state *session.StateDescription) {
		states <- state
	})

	select {
	case status := <-statuses:
		assert.Equal(t, status, session.StatusOnline)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for online status")
	}

	// a backend update replaces the local state
	err := backend.Queue("e2e-state", map[string]any{
		"type": "update",
		"state": map[string]any{
			"dataset": "quickstart",
			"count":   200,
		},
	})
	assert.Equal(t, err, nil)

	select {
	case state := <-states:
		assert.Equal(t, state.Dataset, "quickstart")
		assert.Equal(t, state.Count, 200)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for state update")
	}

	// a push ships the local state back
	store.Select("sample-1")
	store.Push()

	deadline := time.Now().Add(2 * time.Second)
	for len(backend.Applied("e2e-state")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for pushed state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var pushed map[string]any
	err = json.Unmarshal(backend.Applied("e2e-state")[0], &pushed)
	assert.Equal(t, err, nil)
	assert.Equal(t, pushed["type"], "update")
}
