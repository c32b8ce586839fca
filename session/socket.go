package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// SocketChannel carries the same contract as PollingChannel over a real
// persistent websocket, for environments that allow raw sockets. The two
// are drop-in substitutes behind the Channel interface.

type SocketChannelSettings struct {
	WsHandshakeTimeout   time.Duration
	BaseReconnectTimeout time.Duration
	MaxReconnectTimeout  time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	SendBufferSize       int
}

func DefaultSocketChannelSettings() *SocketChannelSettings {
	return &SocketChannelSettings{
		WsHandshakeTimeout:   2 * time.Second,
		BaseReconnectTimeout: 2000 * time.Millisecond,
		MaxReconnectTimeout:  5000 * time.Millisecond,
		PingTimeout:          1 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		SendBufferSize:       1,
	}
}

type SocketChannel struct {
	*listenerTable

	ctx    context.Context
	cancel context.CancelFunc

	socketUrl string
	settings  *SocketChannelSettings

	stateMutex       sync.Mutex
	state            ChannelState
	reconnectTimeout time.Duration

	send chan []byte
}

func NewSocketChannelWithDefaults(ctx context.Context, socketUrl string) *SocketChannel {
	return NewSocketChannel(ctx, socketUrl, DefaultSocketChannelSettings())
}

func NewSocketChannel(
	ctx context.Context,
	socketUrl string,
	settings *SocketChannelSettings,
) *SocketChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &SocketChannel{
		listenerTable:    newListenerTable(),
		ctx:              cancelCtx,
		cancel:           cancel,
		socketUrl:        socketUrl,
		settings:         settings,
		state:            ChannelConnecting,
		reconnectTimeout: settings.BaseReconnectTimeout,
		send:             make(chan []byte, settings.SendBufferSize),
	}
	go channel.run()
	return channel
}

func (self *SocketChannel) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		ws, _, err := dialer.DialContext(self.ctx, self.socketUrl, nil)
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[ch]dial %s error = %s\n", self.socketUrl, err)
			reconnect := NewReconnect(self.connectError())
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.connected()
		self.handle(ws)

		if self.ctx.Err() != nil {
			return
		}
		reconnect := NewReconnect(self.connectError())
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SocketChannel) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ch]%s-> error = %s\n", self.socketUrl, err)
					return
				}
				glog.V(2).Infof("[ch]%s->\n", self.socketUrl)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[ch]%s<- error = %s\n", self.socketUrl, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ch]ping %s<-\n", self.socketUrl)
				continue
			}
			self.dispatch(EventMessage, json.RawMessage(message))
			glog.V(2).Infof("[ch]%s<-\n", self.socketUrl)
		default:
			glog.V(2).Infof("[ch]other=%d %s<-\n", messageType, self.socketUrl)
		}
	}
}

func (self *SocketChannel) connected() {
	self.stateMutex.Lock()
	opened := self.state != ChannelOpen
	self.state = ChannelOpen
	self.reconnectTimeout = self.settings.BaseReconnectTimeout
	self.stateMutex.Unlock()

	if opened {
		self.dispatch(EventOpen, nil)
	}
}

// returns the reconnect timeout to wait before the next dial
func (self *SocketChannel) connectError() time.Duration {
	self.stateMutex.Lock()
	closed := self.state == ChannelOpen
	self.state = ChannelClosed
	self.reconnectTimeout = min(2*self.reconnectTimeout, self.settings.MaxReconnectTimeout)
	reconnectTimeout := self.reconnectTimeout
	self.stateMutex.Unlock()

	if closed {
		self.dispatch(EventClose, nil)
	}
	return reconnectTimeout
}

func (self *SocketChannel) Send(payload any) {
	message, err := json.Marshal(payload)
	if err != nil {
		glog.Infof("[ch]send %s marshal error = %s\n", self.socketUrl, err)
		return
	}
	select {
	case <-self.ctx.Done():
	case self.send <- message:
	}
}

func (self *SocketChannel) State() ChannelState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *SocketChannel) Close() {
	self.cancel()
}
