package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const syncSendBufferSize = 32

type SyncState string

const (
	SyncStateDisconnected SyncState = "disconnected"
	SyncStateConnecting   SyncState = "connecting"
	SyncStateConnected    SyncState = "connected"
)

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type SyncSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

type syncAuth struct {
	ByJwt       string `json:"by_jwt"`
	WorkspaceId Id     `json:"workspace_id"`
	ClientId    Id     `json:"client_id"`
}

// one duplex connection per workspace. broadcasts local mutations and
// replays remote mutations into the local cache. reconnects after a
// fixed delay until closed
type SyncChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	workspaceId Id
	syncUrl     string
	byJwt       string
	clientId    Id

	cache *CacheStore

	settings *SyncSettings

	stateMutex   sync.Mutex
	state        SyncState
	send         chan []byte
	stateMonitor *Monitor

	messageCallbacks *CallbackList[func(message *SyncMessage)]
}

func NewSyncChannelWithDefaults(ctx context.Context, workspaceId Id, syncUrl string, byJwt string, cache *CacheStore) *SyncChannel {
	return NewSyncChannel(ctx, workspaceId, syncUrl, byJwt, cache, DefaultSyncSettings())
}

func NewSyncChannel(ctx context.Context, workspaceId Id, syncUrl string, byJwt string, cache *CacheStore, settings *SyncSettings) *SyncChannel {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientId := NewId()
	if parsed, err := ParseByJwtUnverified(byJwt); err == nil && (parsed.ClientId != Id{}) {
		clientId = parsed.ClientId
	}

	syncChannel := &SyncChannel{
		ctx:              cancelCtx,
		cancel:           cancel,
		workspaceId:      workspaceId,
		syncUrl:          syncUrl,
		byJwt:            byJwt,
		clientId:         clientId,
		cache:            cache,
		settings:         settings,
		state:            SyncStateDisconnected,
		stateMonitor:     NewMonitor(),
		messageCallbacks: NewCallbackList[func(message *SyncMessage)](),
	}
	go HandleError(syncChannel.run)
	return syncChannel
}

func (self *SyncChannel) State() SyncState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *SyncChannel) StateMonitor() *Monitor {
	return self.stateMonitor
}

func (self *SyncChannel) setState(state SyncState, send chan []byte) {
	self.stateMutex.Lock()
	self.state = state
	self.send = send
	self.stateMutex.Unlock()
	self.stateMonitor.NotifyAll()
}

// called for every inbound mutation after it is applied to the cache
func (self *SyncChannel) AddMessageCallback(messageCallback func(message *SyncMessage)) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// best effort, at most once. when disconnected the message is dropped,
// there is no outbound queue or replay
func (self *SyncChannel) Send(message *SyncMessage) {
	message.WorkspaceId = self.workspaceId
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return
	}

	self.stateMutex.Lock()
	state := self.state
	send := self.send
	self.stateMutex.Unlock()

	if state != SyncStateConnected || send == nil {
		glog.V(2).Infof("[sync]drop %s->\n", self.workspaceId)
		return
	}
	select {
	case send <- messageBytes:
		syncMessagesTotal.WithLabelValues("out").Inc()
	default:
		// enqueue never blocks on socket health
		glog.V(2).Infof("[sync]drop %s->\n", self.workspaceId)
	}
}

func (self *SyncChannel) run() {
	defer func() {
		self.cancel()
		self.setState(SyncStateDisconnected, nil)
	}()

	authBytes, err := json.Marshal(&syncAuth{
		ByJwt:       self.byJwt,
		WorkspaceId: self.workspaceId,
		ClientId:    self.clientId,
	})
	if err != nil {
		return
	}

	channelUrl := fmt.Sprintf("%s/workspace/%s/sync", self.syncUrl, self.workspaceId)

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		self.setState(SyncStateConnecting, nil)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, channelUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if _, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else if string(message) != string(authBytes) {
				// verify the auth echo
				return nil, fmt.Errorf("auth response error")
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[sync]auth error %s = %s\n", self.workspaceId, err)
			self.setState(SyncStateDisconnected, nil)
			syncReconnectsTotal.Inc()
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan []byte, syncSendBufferSize)
			self.setState(SyncStateConnected, send)
			defer self.setState(SyncStateDisconnected, nil)

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case messageBytes, ok := <-send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
							glog.Infof("[sync]%s-> error = %s\n", self.workspaceId, err)
							return
						}
						glog.V(2).Infof("[sync]%s->\n", self.workspaceId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, messageBytes, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[sync]%s<- error = %s\n", self.workspaceId, err)
						return
					}

					if len(messageBytes) == 0 {
						// ping
						glog.V(2).Infof("[sync]ping %s<-\n", self.workspaceId)
						continue
					}

					var message SyncMessage
					if err := json.Unmarshal(messageBytes, &message); err != nil {
						glog.Infof("[sync]bad frame %s<- = %s\n", self.workspaceId, err)
						continue
					}
					syncMessagesTotal.WithLabelValues("in").Inc()
					HandleError(func() {
						self.dispatch(&message)
					})
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		c()
		syncReconnectsTotal.Inc()
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// pure dispatch. unknown tags are ignored rather than erroring
func (self *SyncChannel) dispatch(message *SyncMessage) {
	switch message.Type {
	case SyncMessageFileUpdated:
		if message.FileId != nil {
			self.cache.UpdateFileContent(*message.FileId, message.Content)
		}
	case SyncMessageComponentAdded:
		if message.Component != nil {
			self.cache.ApplyComponentAdded(self.workspaceId, message.Component)
		}
	case SyncMessageComponentMoved:
		if message.ComponentId != nil && message.X != nil && message.Y != nil {
			self.cache.ApplyComponentMoved(self.workspaceId, *message.ComponentId, *message.X, *message.Y)
		}
	case SyncMessagePageUpdated:
		if message.PageId != nil {
			self.cache.ApplyPageUpdated(self.workspaceId, *message.PageId, message.PageChanges)
		}
	case SyncMessageBulkFilesUpdated:
		if 0 < len(message.Files) {
			self.cache.Put(self.workspaceId, &WorkspaceFileSet{
				WorkspaceId: self.workspaceId,
				Files:       message.Files,
			})
		}
	default:
		// forward compatible with unknown message kinds
		glog.V(2).Infof("[sync]ignore %s %s<-\n", message.Type, self.workspaceId)
		return
	}

	for _, messageCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageCallback(message)
		})
	}
}

func (self *SyncChannel) Close() {
	self.cancel()
}
