package session

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// a channel emulates a persistent, event-driven, bidirectional connection
// to the session backend. callers subscribe to event kinds the same way
// they would with a raw socket, so the polling and websocket
// implementations are interchangeable.

type EventKind string

const (
	EventOpen    EventKind = "open"
	EventMessage EventKind = "message"
	EventClose   EventKind = "close"
)

type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (self ChannelState) String() string {
	switch self {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. For `message` events, `Data` is the
// JSON-serialized message body, the same shape a raw socket message event
// would carry. For `open` and `close` events, `Data` is nil.
type Event struct {
	Kind EventKind
	Data json.RawMessage
}

type ListenerFunction func(event *Event)

type ListenerId = Id

// the event-kind handler table shared by all channel implementations.
// kinds are created lazily so transport-specific kinds work unchanged.
type listenerTable struct {
	mutex     sync.Mutex
	listeners map[EventKind]*CallbackList[ListenerFunction]
}

func newListenerTable() *listenerTable {
	return &listenerTable{
		listeners: map[EventKind]*CallbackList[ListenerFunction]{},
	}
}

func (self *listenerTable) AddListener(kind EventKind, listener ListenerFunction) ListenerId {
	return self.listenersFor(kind).Add(listener)
}

func (self *listenerTable) RemoveListener(kind EventKind, listenerId ListenerId) {
	self.listenersFor(kind).Remove(listenerId)
}

func (self *listenerTable) listenersFor(kind EventKind) *CallbackList[ListenerFunction] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	listeners, ok := self.listeners[kind]
	if !ok {
		listeners = NewCallbackList[ListenerFunction]()
		self.listeners[kind] = listeners
	}
	return listeners
}

// note all listeners are wrapped to recover from errors
func (self *listenerTable) dispatch(kind EventKind, data json.RawMessage) {
	event := &Event{
		Kind: kind,
		Data: data,
	}
	for _, listener := range self.listenersFor(kind).Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ch]listener panic = %s\n", r)
				}
			}()
			listener(event)
		}()
	}
}

type Channel interface {
	// AddListener registers `listener` under `kind`. Multiple listeners per
	// kind are permitted. The returned id removes exactly this registration.
	AddListener(kind EventKind, listener ListenerFunction) ListenerId

	// RemoveListener is a no-op if the id is not registered under `kind`.
	RemoveListener(kind EventKind, listenerId ListenerId)

	// Send submits `payload` for delivery to the backend. Fire-and-forget:
	// transport errors are never returned to the caller.
	Send(payload any)

	State() ChannelState

	Close()
}
