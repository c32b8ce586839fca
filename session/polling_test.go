package session

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// a channel with the run loop not started, for driving the transition
// paths directly
func newTestPollingChannel(settings *PollingChannelSettings) *PollingChannel {
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &PollingChannel{
		listenerTable: newListenerTable(),
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		state:         ChannelConnecting,
		pollTimeout:   settings.BasePollTimeout,
	}
}

func fastPollingSettings() *PollingChannelSettings {
	settings := DefaultPollingChannelSettings()
	settings.BasePollTimeout = 20 * time.Millisecond
	settings.MaxPollTimeout = 50 * time.Millisecond
	return settings
}

func TestChannelLocation(t *testing.T) {
	assert.Equal(
		t,
		channelLocation("http://x/channel", "s1", ""),
		"http://x/channel?session_id=s1",
	)
	assert.Equal(
		t,
		channelLocation("http://x/channel", "s1", "push"),
		"http://x/channel?session_id=s1&mode=push",
	)
	// a location that already carries a query string extends it
	assert.Equal(
		t,
		channelLocation("http://x/channel?dataset=d", "s1", "pull"),
		"http://x/channel?dataset=d&session_id=s1&mode=pull",
	)
	assert.Equal(
		t,
		channelLocation("http://x/channel", "", "push"),
		"http://x/channel?mode=push",
	)
}

// the retry interval doubles on consecutive failures up to the ceiling
// and resets to the base on the poll that opens the channel
func TestBackoffSchedule(t *testing.T) {
	settings := DefaultPollingChannelSettings()
	channel := newTestPollingChannel(settings)
	defer channel.Close()

	assert.Equal(t, channel.pollTimeout, 2000*time.Millisecond)

	channel.pollError()
	assert.Equal(t, channel.pollTimeout, 4000*time.Millisecond)
	channel.pollError()
	assert.Equal(t, channel.pollTimeout, 5000*time.Millisecond)
	channel.pollError()
	assert.Equal(t, channel.pollTimeout, 5000*time.Millisecond)

	channel.pollSuccess(nil)
	assert.Equal(t, channel.pollTimeout, 2000*time.Millisecond)
	assert.Equal(t, channel.State(), ChannelOpen)
}

// open and close are edge-triggered transitions, not level events
func TestEdgeTriggeredTransitions(t *testing.T) {
	channel := newTestPollingChannel(DefaultPollingChannelSettings())
	defer channel.Close()

	opens := 0
	closes := 0
	channel.AddListener(EventOpen, func(event *Event) {
		opens += 1
	})
	channel.AddListener(EventClose, func(event *Event) {
		closes += 1
	})

	// failures before the first open do not fire close
	channel.pollError()
	channel.pollError()
	assert.Equal(t, closes, 0)
	assert.Equal(t, channel.State(), ChannelClosed)

	channel.pollSuccess(nil)
	channel.pollSuccess(nil)
	channel.pollSuccess(nil)
	assert.Equal(t, opens, 1)

	channel.pollError()
	channel.pollError()
	channel.pollError()
	assert.Equal(t, closes, 1)

	channel.pollSuccess(nil)
	assert.Equal(t, opens, 2)
}

// batch messages deliver in order after the open event
func TestBatchDeliveryOrder(t *testing.T) {
	channel := newTestPollingChannel(DefaultPollingChannelSettings())
	defer channel.Close()

	var events []string
	channel.AddListener(EventOpen, func(event *Event) {
		events = append(events, "open")
	})
	channel.AddListener(EventMessage, func(event *Event) {
		events = append(events, string(event.Data))
	})

	channel.pollSuccess([]json.RawMessage{
		json.RawMessage(`{"n":1}`),
		json.RawMessage(`{"n":2}`),
		json.RawMessage(`{"n":3}`),
	})

	assert.Equal(t, events, []string{"open", `{"n":1}`, `{"n":2}`, `{"n":3}`})
}

// a push reply can carry a batch, and a typed reply is itself a message
func TestDeliverReply(t *testing.T) {
	channel := newTestPollingChannel(DefaultPollingChannelSettings())
	defer channel.Close()

	var messages []string
	channel.AddListener(EventMessage, func(event *Event) {
		messages = append(messages, string(event.Data))
	})

	body := `{"type":"capture","messages":[{"n":1},{"n":2},{"n":3}]}`
	channel.deliverReply([]byte(body))

	assert.Equal(t, len(messages), 4)
	assert.Equal(t, messages[0], `{"n":1}`)
	assert.Equal(t, messages[1], `{"n":2}`)
	assert.Equal(t, messages[2], `{"n":3}`)
	assert.Equal(t, messages[3], body)

	// an untyped reply delivers only the batch
	messages = nil
	channel.deliverReply([]byte(`{"messages":[{"n":4}]}`))
	assert.Equal(t, messages, []string{`{"n":4}`})

	// empty and opaque replies are ignored
	channel.deliverReply(nil)
	channel.deliverReply([]byte(`not json`))
	assert.Equal(t, len(messages), 1)
}

// a panicking listener does not affect other listeners or the channel
func TestListenerPanicIsolated(t *testing.T) {
	channel := newTestPollingChannel(DefaultPollingChannelSettings())
	defer channel.Close()

	delivered := 0
	channel.AddListener(EventMessage, func(event *Event) {
		panic("bad listener")
	})
	channel.AddListener(EventMessage, func(event *Event) {
		delivered += 1
	})

	channel.pollSuccess([]json.RawMessage{json.RawMessage(`{}`)})
	assert.Equal(t, delivered, 1)
}

// exactly one open across many successful polls against a live server
func TestOpenOnceAcrossPolls(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewPollingChannel(ctx, server.URL, "s1", fastPollingSettings())
	defer channel.Close()

	var opens int32
	channel.AddListener(EventOpen, func(event *Event) {
		atomic.AddInt32(&opens, 1)
	})

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&polls) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for polls")
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, atomic.LoadInt32(&opens), int32(1))
	assert.Equal(t, channel.State(), ChannelOpen)
}

// an outage fires close once, and recovery fires open again
func TestOutageAndRecovery(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !online.Load() {
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewPollingChannel(ctx, server.URL, "s1", fastPollingSettings())
	defer channel.Close()

	var opens int32
	var closes int32
	channel.AddListener(EventOpen, func(event *Event) {
		atomic.AddInt32(&opens, 1)
	})
	channel.AddListener(EventClose, func(event *Event) {
		atomic.AddInt32(&closes, 1)
	})

	awaitCount := func(counter *int32, value int32, label string) {
		deadline := time.Now().Add(5 * time.Second)
		for atomic.LoadInt32(counter) < value {
			if time.Now().After(deadline) {
				t.Fatalf("timeout waiting for %s", label)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	awaitCount(&opens, 1, "open")

	online.Store(false)
	awaitCount(&closes, 1, "close")

	// repeated failures do not fire close again
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&closes), int32(1))

	online.Store(true)
	awaitCount(&opens, 2, "reopen")
	assert.Equal(t, atomic.LoadInt32(&closes), int32(1))
}

// a listener removed while a request is in flight is guaranteed not to
// be invoked for that response
func TestRemoveListenerMidFlight(t *testing.T) {
	requestStarted := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first.Swap(false) {
			close(requestStarted)
			<-release
		}
		w.Write([]byte(`{"messages":[{"n":1}]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewPollingChannel(ctx, server.URL, "s1", fastPollingSettings())
	defer channel.Close()

	var received int32
	listenerId := channel.AddListener(EventMessage, func(event *Event) {
		atomic.AddInt32(&received, 1)
	})

	<-requestStarted
	channel.RemoveListener(EventMessage, listenerId)
	close(release)

	// several poll cycles complete, none reach the removed listener
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&received), int32(0))
}

// payloads that fail to push are relayed through the pull path when the
// channel reopens
func TestSendBacklogRelay(t *testing.T) {
	var online atomic.Bool
	online.Store(true)

	var mutex sync.Mutex
	var relayed []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !online.Load() {
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		if r.Method == "POST" && r.URL.Query().Get("mode") == "pull" {
			body, _ := io.ReadAll(r.Body)
			mutex.Lock()
			relayed = append(relayed, string(body))
			mutex.Unlock()
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewPollingChannel(ctx, server.URL, "s1", fastPollingSettings())
	defer channel.Close()

	opens := make(chan struct{}, 8)
	channel.AddListener(EventOpen, func(event *Event) {
		opens <- struct{}{}
	})

	select {
	case <-opens:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for open")
	}

	online.Store(false)
	channel.Send(map[string]any{"n": 1})
	channel.Send(map[string]any{"n": 2})

	// let the pushes fail and join the backlog
	time.Sleep(200 * time.Millisecond)

	online.Store(true)
	select {
	case <-opens:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for reopen")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		n := len(relayed)
		mutex.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for backlog relay, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// send failures never flip the channel state
func TestSendFailureDoesNotClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			http.Error(w, "no", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewPollingChannel(ctx, server.URL, "s1", fastPollingSettings())
	defer channel.Close()

	var closes int32
	channel.AddListener(EventClose, func(event *Event) {
		atomic.AddInt32(&closes, 1)
	})

	opens := make(chan struct{}, 8)
	channel.AddListener(EventOpen, func(event *Event) {
		opens <- struct{}{}
	})
	select {
	case <-opens:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for open")
	}

	channel.Send(map[string]any{"n": 1})
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, channel.State(), ChannelOpen)
	assert.Equal(t, atomic.LoadInt32(&closes), int32(0))
}

// the backlog is bounded and drops the oldest payload
func TestBacklogBounded(t *testing.T) {
	settings := DefaultPollingChannelSettings()
	settings.SendBacklogSize = 2
	channel := newTestPollingChannel(settings)
	defer channel.Close()

	channel.enqueueBacklog(1)
	channel.enqueueBacklog(2)
	channel.enqueueBacklog(3)

	assert.Equal(t, channel.backlog, []any{2, 3})
}
