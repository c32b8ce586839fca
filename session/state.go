package session

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"lumeview.com/client/view"
)

// StateStore mirrors the backend's session state on top of a channel.
// `update` messages replace the local state, `notification` messages are
// fanned out verbatim, and channel open/close events drive the connection
// status. Local edits are shipped back with Push.

type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusOnline     ConnectionStatus = "online"
	StatusOffline    ConnectionStatus = "offline"
)

// StateDescription is the wire form of the session state.
type StateDescription struct {
	Dataset  string           `json:"dataset,omitempty"`
	View     []map[string]any `json:"view,omitempty"`
	Selected []string         `json:"selected,omitempty"`
	Count    int              `json:"count,omitempty"`
}

type stateMessage struct {
	Type  string            `json:"type"`
	State *StateDescription `json:"state,omitempty"`
}

const (
	messageTypeUpdate       = "update"
	messageTypeNotification = "notification"
)

type StateFunction func(state *StateDescription)

type StatusFunction func(status ConnectionStatus)

type NotificationFunction func(notification json.RawMessage)

type StateStore struct {
	channel Channel

	stateMutex sync.Mutex
	state      StateDescription
	status     ConnectionStatus
	selected   map[string]bool

	stateCallbacks        *CallbackList[StateFunction]
	statusCallbacks       *CallbackList[StatusFunction]
	notificationCallbacks *CallbackList[NotificationFunction]

	openListenerId    ListenerId
	messageListenerId ListenerId
	closeListenerId   ListenerId
}

func NewStateStore(channel Channel) *StateStore {
	store := &StateStore{
		channel:               channel,
		status:                StatusConnecting,
		selected:              map[string]bool{},
		stateCallbacks:        NewCallbackList[StateFunction](),
		statusCallbacks:       NewCallbackList[StatusFunction](),
		notificationCallbacks: NewCallbackList[NotificationFunction](),
	}
	store.openListenerId = channel.AddListener(EventOpen, func(event *Event) {
		store.setStatus(StatusOnline)
	})
	store.messageListenerId = channel.AddListener(EventMessage, func(event *Event) {
		store.handleMessage(event.Data)
	})
	store.closeListenerId = channel.AddListener(EventClose, func(event *Event) {
		store.setStatus(StatusOffline)
	})
	return store
}

func (self *StateStore) handleMessage(data json.RawMessage) {
	var message stateMessage
	if err := json.Unmarshal(data, &message); err != nil {
		glog.Infof("[state]message unmarshal error = %s\n", err)
		return
	}

	switch message.Type {
	case messageTypeUpdate:
		if message.State == nil {
			return
		}
		self.stateMutex.Lock()
		self.state = *message.State
		self.selected = map[string]bool{}
		for _, id := range message.State.Selected {
			self.selected[id] = true
		}
		self.stateMutex.Unlock()

		self.notifyState()
	case messageTypeNotification:
		for _, callback := range self.notificationCallbacks.Get() {
			func() {
				defer func() {
					if r := recover(); r != nil {
						glog.Errorf("[state]notification callback panic = %s\n", r)
					}
				}()
				callback(data)
			}()
		}
	default:
		glog.V(2).Infof("[state]ignore message type = %s\n", message.Type)
	}
}

func (self *StateStore) setStatus(status ConnectionStatus) {
	self.stateMutex.Lock()
	changed := self.status != status
	self.status = status
	self.stateMutex.Unlock()

	if !changed {
		return
	}
	for _, callback := range self.statusCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[state]status callback panic = %s\n", r)
				}
			}()
			callback(status)
		}()
	}
}

func (self *StateStore) notifyState() {
	state := self.State()
	for _, callback := range self.stateCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[state]state callback panic = %s\n", r)
				}
			}()
			callback(state)
		}()
	}
}

func (self *StateStore) AddStateListener(callback StateFunction) ListenerId {
	return self.stateCallbacks.Add(callback)
}

func (self *StateStore) RemoveStateListener(callbackId ListenerId) {
	self.stateCallbacks.Remove(callbackId)
}

func (self *StateStore) AddStatusListener(callback StatusFunction) ListenerId {
	return self.statusCallbacks.Add(callback)
}

func (self *StateStore) RemoveStatusListener(callbackId ListenerId) {
	self.statusCallbacks.Remove(callbackId)
}

func (self *StateStore) AddNotificationListener(callback NotificationFunction) ListenerId {
	return self.notificationCallbacks.Add(callback)
}

func (self *StateStore) RemoveNotificationListener(callbackId ListenerId) {
	self.notificationCallbacks.Remove(callbackId)
}

// State returns a copy of the current state.
func (self *StateStore) State() *StateDescription {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	state := self.state
	state.View = slices.Clone(self.state.View)
	state.Selected = self.selectedIds()
	return &state
}

func (self *StateStore) Status() ConnectionStatus {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.status
}

func (self *StateStore) Dataset() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state.Dataset
}

func (self *StateStore) SetDataset(dataset string) {
	self.stateMutex.Lock()
	self.state.Dataset = dataset
	self.stateMutex.Unlock()

	self.notifyState()
}

// SetView replaces the view pipeline. A nil view clears it.
func (self *StateStore) SetView(v *view.View) {
	self.stateMutex.Lock()
	if v == nil {
		self.state.View = nil
	} else {
		self.state.View = v.Serialize()
	}
	self.stateMutex.Unlock()

	self.notifyState()
}

// Selected returns the selected sample ids in sorted order.
func (self *StateStore) Selected() []string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.selectedIds()
}

func (self *StateStore) selectedIds() []string {
	ids := maps.Keys(self.selected)
	slices.Sort(ids)
	return ids
}

func (self *StateStore) Select(sampleId string) {
	self.stateMutex.Lock()
	self.selected[sampleId] = true
	self.state.Selected = self.selectedIds()
	self.stateMutex.Unlock()

	self.notifyState()
}

func (self *StateStore) Deselect(sampleId string) {
	self.stateMutex.Lock()
	delete(self.selected, sampleId)
	self.state.Selected = self.selectedIds()
	self.stateMutex.Unlock()

	self.notifyState()
}

func (self *StateStore) ClearSelection() {
	self.stateMutex.Lock()
	self.selected = map[string]bool{}
	self.state.Selected = nil
	self.stateMutex.Unlock()

	self.notifyState()
}

// Push ships the local state to the backend as an update.
func (self *StateStore) Push() {
	self.channel.Send(&stateMessage{
		Type:  messageTypeUpdate,
		State: self.State(),
	})
}

// Close detaches the store from its channel. The channel itself is left
// open, the store does not own it.
func (self *StateStore) Close() {
	self.channel.RemoveListener(EventOpen, self.openListenerId)
	self.channel.RemoveListener(EventMessage, self.messageListenerId)
	self.channel.RemoveListener(EventClose, self.closeListenerId)
}
