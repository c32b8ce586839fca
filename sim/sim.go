// Package sim is an in-memory session backend for tests and local
// development. It implements the channel wire protocol: GET drains the
// session's queued messages as a batch, POST with mode=push applies a
// payload and may reply with messages or a typed reply, POST with
// mode=pull accepts backlog relays.
package sim

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type BackendSettings struct {
	// sessions idle longer than this are dropped. zero means never
	SessionTtl time.Duration
	// queued messages per session beyond this drop the oldest
	QueueSize int
}

func DefaultBackendSettings() *BackendSettings {
	return &BackendSettings{
		SessionTtl: 0,
		QueueSize:  1024,
	}
}

// PushReplyFunction computes the reply body for a mode=push payload.
// A nil return replies with an empty batch.
type PushReplyFunction func(sessionId string, payload json.RawMessage) any

type Backend struct {
	settings *BackendSettings

	mutex     sync.Mutex
	online    bool
	sessions  map[string]*backendSession
	pushReply PushReplyFunction
}

type backendSession struct {
	queue        []json.RawMessage
	applied      []json.RawMessage
	relayed      []json.RawMessage
	lastSeenTime time.Time
}

func NewBackendWithDefaults() *Backend {
	return NewBackend(DefaultBackendSettings())
}

func NewBackend(settings *BackendSettings) *Backend {
	return &Backend{
		settings: settings,
		online:   true,
		sessions: map[string]*backendSession{},
	}
}

func (self *Backend) Router() *chi.Mux {
	router := chi.NewRouter()
	router.Get("/channel", self.handlePull)
	router.Post("/channel", self.handlePush)
	router.Get("/sessions", self.handleSessions)
	return router
}

// SetOnline toggles whether the backend answers at all. Offline returns
// 503 on every channel call, which a client counts as a poll failure.
func (self *Backend) SetOnline(online bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.online = online
}

// SetPushReply installs the reply function for mode=push payloads.
func (self *Backend) SetPushReply(pushReply PushReplyFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pushReply = pushReply
}

// Queue adds a message to the session's outbound queue. It is handed out
// on the session's next pull.
func (self *Backend) Queue(sessionId string, message any) error {
	messageJson, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	session := self.session(sessionId)
	if self.settings.QueueSize <= len(session.queue) {
		session.queue = session.queue[1:]
	}
	session.queue = append(session.queue, json.RawMessage(messageJson))
	return nil
}

// Sessions returns the known session ids in sorted order.
func (self *Backend) Sessions() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sessionIds := maps.Keys(self.sessions)
	slices.Sort(sessionIds)
	return sessionIds
}

// Applied returns the payloads the session pushed, in arrival order.
func (self *Backend) Applied(sessionId string) []json.RawMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[sessionId]
	if !ok {
		return nil
	}
	return slices.Clone(session.applied)
}

// Relayed returns the payloads the session relayed via mode=pull.
func (self *Backend) Relayed(sessionId string) []json.RawMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[sessionId]
	if !ok {
		return nil
	}
	return slices.Clone(session.relayed)
}

// must be called with the mutex held
func (self *Backend) session(sessionId string) *backendSession {
	self.prune()

	session, ok := self.sessions[sessionId]
	if !ok {
		session = &backendSession{}
		self.sessions[sessionId] = session
	}
	session.lastSeenTime = time.Now()
	return session
}

// must be called with the mutex held
func (self *Backend) prune() {
	if self.settings.SessionTtl <= 0 {
		return
	}
	minTime := time.Now().Add(-self.settings.SessionTtl)
	for sessionId, session := range self.sessions {
		if session.lastSeenTime.Before(minTime) {
			delete(self.sessions, sessionId)
		}
	}
}

func (self *Backend) handlePull(w http.ResponseWriter, r *http.Request) {
	sessionId := r.URL.Query().Get("session_id")

	self.mutex.Lock()
	if !self.online {
		self.mutex.Unlock()
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	session := self.session(sessionId)
	messages := session.queue
	session.queue = nil
	self.mutex.Unlock()

	if messages == nil {
		messages = []json.RawMessage{}
	}
	glog.V(2).Infof("[sim]pull %s messages = %d\n", sessionId, len(messages))

	writeJson(w, map[string]any{
		"messages": messages,
	})
}

func (self *Backend) handlePush(w http.ResponseWriter, r *http.Request) {
	sessionId := r.URL.Query().Get("session_id")
	mode := r.URL.Query().Get("mode")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	self.mutex.Lock()
	if !self.online {
		self.mutex.Unlock()
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	session := self.session(sessionId)
	pushReply := self.pushReply

	switch mode {
	case "pull":
		session.relayed = append(session.relayed, json.RawMessage(payload))
		self.mutex.Unlock()

		glog.V(2).Infof("[sim]relay %s\n", sessionId)
		writeJson(w, map[string]any{})
	case "push":
		session.applied = append(session.applied, json.RawMessage(payload))
		self.mutex.Unlock()

		glog.V(2).Infof("[sim]push %s\n", sessionId)
		var reply any
		if pushReply != nil {
			reply = pushReply(sessionId, json.RawMessage(payload))
		}
		if reply == nil {
			reply = map[string]any{
				"messages": []json.RawMessage{},
			}
		}
		writeJson(w, reply)
	default:
		self.mutex.Unlock()
		http.Error(w, "bad mode", http.StatusBadRequest)
	}
}

func (self *Backend) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJson(w, map[string]any{
		"sessions": self.Sessions(),
	})
}

func writeJson(w http.ResponseWriter, value any) {
	body, err := json.Marshal(value)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/json")
	w.Write(body)
}
