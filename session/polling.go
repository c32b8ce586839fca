package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// PollingChannel emulates a persistent duplex connection over discrete
// request/response calls, for environments that forbid raw sockets.
//
// The poll loop is a state machine over {connecting, open, closed}:
// - a successful poll from connecting/closed fires `open` exactly once,
//   resets the poll interval to the base value, and delivers the batch
// - a failed poll from open fires `close` exactly once and doubles the
//   poll interval up to the ceiling
// open/close are edge-triggered. state is always re-checked at request
// completion time, never assumed from when the request was issued.

type PollingChannelSettings struct {
	BasePollTimeout    time.Duration
	MaxPollTimeout     time.Duration
	RequestTimeout     time.Duration
	HttpConnectTimeout time.Duration
	// payloads that could not be pushed are queued up to this size and
	// relayed through the pull path on the next transition to open
	SendBacklogSize int
}

func DefaultPollingChannelSettings() *PollingChannelSettings {
	return &PollingChannelSettings{
		BasePollTimeout:    2000 * time.Millisecond,
		MaxPollTimeout:     5000 * time.Millisecond,
		RequestTimeout:     10 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		SendBacklogSize:    32,
	}
}

type messageBatch struct {
	Messages []json.RawMessage `json:"messages"`
}

type pushReply struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}

type PollingChannel struct {
	*listenerTable

	ctx    context.Context
	cancel context.CancelFunc

	pullUrl string
	pushUrl string
	ackUrl  string

	httpClient *http.Client
	settings   *PollingChannelSettings

	stateMutex  sync.Mutex
	state       ChannelState
	pollTimeout time.Duration
	backlog     []any
}

func NewPollingChannelWithDefaults(
	ctx context.Context,
	channelUrl string,
	sessionId string,
) *PollingChannel {
	return NewPollingChannel(ctx, channelUrl, sessionId, DefaultPollingChannelSettings())
}

func NewPollingChannel(
	ctx context.Context,
	channelUrl string,
	sessionId string,
	settings *PollingChannelSettings,
) *PollingChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &PollingChannel{
		listenerTable: newListenerTable(),
		ctx:           cancelCtx,
		cancel:        cancel,
		pullUrl:       channelLocation(channelUrl, sessionId, ""),
		pushUrl:       channelLocation(channelUrl, sessionId, "push"),
		ackUrl:        channelLocation(channelUrl, sessionId, "pull"),
		httpClient:    newHttpClient(settings.HttpConnectTimeout, settings.RequestTimeout),
		settings:      settings,
		state:         ChannelConnecting,
		pollTimeout:   settings.BasePollTimeout,
	}
	go channel.run()
	return channel
}

// the location may already carry a query string
func channelLocation(channelUrl string, sessionId string, mode string) string {
	u := channelUrl
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	if sessionId != "" {
		u += sep + "session_id=" + url.QueryEscape(sessionId)
		sep = "&"
	}
	if mode != "" {
		u += sep + "mode=" + mode
	}
	return u
}

func (self *PollingChannel) run() {
	defer self.cancel()

	for {
		self.poll()

		self.stateMutex.Lock()
		pollTimeout := self.pollTimeout
		self.stateMutex.Unlock()

		// the single poll timer. rearming is a new select round,
		// so there is never more than one outstanding timer
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(pollTimeout):
		}
	}
}

func (self *PollingChannel) poll() {
	messages, err := self.pull()
	if err != nil {
		if self.ctx.Err() != nil {
			return
		}
		glog.Infof("[ch]poll %s error = %s\n", self.pullUrl, err)
		self.pollError()
		return
	}
	glog.V(2).Infof("[ch]poll %s messages = %d\n", self.pullUrl, len(messages))
	self.pollSuccess(messages)
}

func (self *PollingChannel) pull() ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(self.ctx, "GET", self.pullUrl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "text/json")

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if r.StatusCode/100 != 2 {
		return nil, fmt.Errorf("poll status %d: %s", r.StatusCode, strings.TrimSpace(string(body)))
	}

	// a malformed body is a poll failure, same as a network error
	var batch messageBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}
	return batch.Messages, nil
}

func (self *PollingChannel) pollSuccess(messages []json.RawMessage) {
	self.stateMutex.Lock()
	opened := self.state != ChannelOpen
	self.state = ChannelOpen
	self.pollTimeout = self.settings.BasePollTimeout
	var backlog []any
	if opened {
		backlog = self.backlog
		self.backlog = nil
	}
	self.stateMutex.Unlock()

	if opened {
		self.dispatch(EventOpen, nil)
		for _, payload := range backlog {
			self.relay(payload)
		}
	}
	for _, message := range messages {
		self.dispatch(EventMessage, message)
	}
}

func (self *PollingChannel) pollError() {
	self.stateMutex.Lock()
	closed := self.state == ChannelOpen
	self.state = ChannelClosed
	self.pollTimeout = min(2*self.pollTimeout, self.settings.MaxPollTimeout)
	self.stateMutex.Unlock()

	if closed {
		self.dispatch(EventClose, nil)
	}
}

func (self *PollingChannel) Send(payload any) {
	go self.push(payload)
}

func (self *PollingChannel) push(payload any) {
	body, err := self.post(self.pushUrl, payload)
	if err != nil {
		if self.ctx.Err() != nil {
			return
		}
		// swallowed at the channel boundary. the payload joins the
		// backlog and is relayed on the next transition to open
		glog.Infof("[ch]push %s error = %s\n", self.pushUrl, err)
		self.enqueueBacklog(payload)
		return
	}
	glog.V(2).Infof("[ch]push %s->\n", self.pushUrl)
	self.deliverReply(body)
}

func (self *PollingChannel) relay(payload any) {
	body, err := self.post(self.ackUrl, payload)
	if err != nil {
		if self.ctx.Err() != nil {
			return
		}
		glog.Infof("[ch]relay %s error = %s\n", self.ackUrl, err)
		return
	}
	self.deliverReply(body)
}

// a push reply can carry a message batch, and a reply with a `type` is
// itself delivered as a message
func (self *PollingChannel) deliverReply(body []byte) {
	if len(body) == 0 {
		return
	}
	var reply pushReply
	if err := json.Unmarshal(body, &reply); err != nil {
		// opaque reply bodies are ignored
		return
	}
	for _, message := range reply.Messages {
		self.dispatch(EventMessage, message)
	}
	if reply.Type != "" {
		self.dispatch(EventMessage, json.RawMessage(body))
	}
}

func (self *PollingChannel) post(postUrl string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(self.ctx, "POST", postUrl, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "text/json")

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if r.StatusCode/100 != 2 {
		return nil, fmt.Errorf("push status %d: %s", r.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (self *PollingChannel) enqueueBacklog(payload any) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	if self.settings.SendBacklogSize <= 0 {
		return
	}
	if self.settings.SendBacklogSize <= len(self.backlog) {
		self.backlog = self.backlog[1:]
	}
	self.backlog = append(self.backlog, payload)
}

func (self *PollingChannel) State() ChannelState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *PollingChannel) Close() {
	self.cancel()
}
