package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("Not connected.")
var ErrSendBufferFull = errors.New("Send buffer full.")
var ErrClosed = errors.New("Closed.")

// handlers run as turns on the session loop
type FrameHandler = func(frame *Frame)

// The one connection of an editing session, shared by the guard, lock manager and cursor broadcaster.
// Subsystems attach and detach their own handlers. Only the session coordinator connects and disconnects.
type Transport interface {
	SchemaId() string
	SessionId() string
	UserId() string
	UserName() string
	// sends one message scoped to the connected schema
	Emit(kind MessageKind, payload any) error
	// registers a handler for `kind` on the connected schema
	// returns a function that removes the handler
	On(kind MessageKind, handler FrameHandler) func()
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// `err` is set when a connect or an open connection failed
type ConnectionStateFunction = func(state ConnectionState, err error)

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		JoinTimeout:        5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		// must be longer than the relay ping timeout
		ReadTimeout:    30 * time.Second,
		SendBufferSize: 128,
	}
}

// handlers are scoped by schema so that traffic of a previous schema can never reach them
type subscriptionKey struct {
	schemaId string
	kind     MessageKind
}

type wsConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	schemaId string
	send     chan []byte
}

// Websocket transport. There is no automatic reconnect.
// After a drop the caller connects again, which the session coordinator does on navigation.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop       *Loop
	connectUrl string
	sessionId  string

	settings *WsTransportSettings

	stateLock  sync.Mutex
	state      ConnectionState
	connection *wsConnection
	schemaId   string
	userId     string
	userName   string
	handlers   map[subscriptionKey]*CallbackList[FrameHandler]

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewWsTransportWithDefaults(ctx context.Context, loop *Loop, connectUrl string) *WsTransport {
	return NewWsTransport(ctx, loop, connectUrl, DefaultWsTransportSettings())
}

func NewWsTransport(
	ctx context.Context,
	loop *Loop,
	connectUrl string,
	settings *WsTransportSettings,
) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		loop:           loop,
		connectUrl:     connectUrl,
		sessionId:      NewId().String(),
		settings:       settings,
		state:          Disconnected,
		handlers:       map[subscriptionKey]*CallbackList[FrameHandler]{},
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
}

func (self *WsTransport) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *WsTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *WsTransport) SchemaId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.schemaId
}

func (self *WsTransport) SessionId() string {
	return self.sessionId
}

func (self *WsTransport) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

func (self *WsTransport) UserName() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userName
}

// Connects to the schema channel and blocks until the relay has accepted the join.
// An existing connection, and every handler registered on it, is torn down first.
func (self *WsTransport) Connect(schemaId string, authToken string) error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}

	self.Disconnect()

	claims, err := ParseAuthUnverified(authToken)
	if err != nil {
		self.setState(Disconnected, err)
		return err
	}

	self.setState(Connecting, nil)

	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		header := http.Header{}
		header.Add("Authorization", fmt.Sprintf("Bearer %s", authToken))
		ws, _, err := dialer.DialContext(self.ctx, self.connectUrl, header)
		if err != nil {
			return nil, err
		}

		success := false
		defer func() {
			if !success {
				ws.Close()
			}
		}()

		joinBytes, err := EncodeMessage(schemaId, &Join{
			SchemaId:  schemaId,
			SessionId: self.sessionId,
		})
		if err != nil {
			return nil, err
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, joinBytes); err != nil {
			return nil, err
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			return nil, fmt.Errorf("Join response error.")
		}
		frame, err := DecodeFrame(message)
		if err != nil {
			return nil, err
		}
		switch frame.Kind {
		case KindJoined:
			joined := &Joined{}
			if err := frame.DecodePayload(joined); err != nil {
				return nil, err
			}
			if joined.SchemaId != schemaId || joined.SessionId != self.sessionId {
				return nil, fmt.Errorf("Join response error: bad echo.")
			}
			if joined.UserId != "" {
				claims.UserId = joined.UserId
				claims.UserName = joined.UserName
			}
		case KindError:
			errorMessage := &ErrorMessage{}
			frame.DecodePayload(errorMessage)
			return nil, fmt.Errorf("Join rejected: %s", errorMessage.Message)
		default:
			return nil, fmt.Errorf("Join response error: %s.", frame.Kind)
		}

		success = true
		return ws, nil
	}

	var ws *websocket.Conn
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s %s", schemaId, self.sessionId), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		glog.Infof("[t]connect error %s = %s\n", schemaId, err)
		self.setState(Disconnected, err)
		return err
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	connection := &wsConnection{
		ctx:      handleCtx,
		cancel:   handleCancel,
		schemaId: schemaId,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.connection = connection
		self.schemaId = schemaId
		self.userId = claims.UserId
		self.userName = claims.UserName
		self.state = Connected
	}()
	glog.Infof("[t]connected %s %s (%s)\n", schemaId, self.sessionId, claims.UserId)
	self.notifyState(Connected, nil)

	if glog.V(2) {
		go Trace(fmt.Sprintf("[t]run %s %s", schemaId, self.sessionId), func() {
			self.run(connection, ws)
		})
	} else {
		go self.run(connection, ws)
	}
	return nil
}

func (self *WsTransport) run(connection *wsConnection, ws *websocket.Conn) {
	defer func() {
		connection.cancel()
		ws.Close()

		dropped := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.connection == connection {
				// dropped, not disconnected
				self.connection = nil
				self.state = Disconnected
				dropped = true
			}
		}()
		if dropped {
			glog.Infof("[t]drop %s\n", connection.schemaId)
			self.notifyState(Disconnected, errors.New("Connection lost."))
		}
	}()

	go func() {
		defer func() {
			connection.cancel()
			// unblocks the reader
			ws.Close()
		}()

		for {
			select {
			case <-connection.ctx.Done():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			case message := <-connection.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", connection.schemaId, err)
					return
				}
				glog.V(2).Infof("[ts]%s->\n", connection.schemaId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-connection.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-connection.ctx.Done():
			default:
				glog.Infof("[tr]%s<- error = %s\n", connection.schemaId, err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[tr]ping %s<-\n", connection.schemaId)
				continue
			}
			frame, err := DecodeFrame(message)
			if err != nil {
				glog.Infof("[tr]%s<- bad frame = %s\n", connection.schemaId, err)
				continue
			}
			if frame.SchemaId != connection.schemaId {
				glog.V(2).Infof("[tr]drop %s for %s<-\n", frame.Kind, frame.SchemaId)
				continue
			}
			glog.V(2).Infof("[tr]%s %s<-\n", frame.Kind, connection.schemaId)
			self.loop.Post(func() {
				self.dispatch(connection, frame)
			})
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, connection.schemaId)
		}
	}
}

// runs on the loop
func (self *WsTransport) dispatch(connection *wsConnection, frame *Frame) {
	var handlers []FrameHandler
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connection != connection {
			// the frame arrived on a connection that has since been replaced
			return
		}
		if callbacks, ok := self.handlers[subscriptionKey{frame.SchemaId, frame.Kind}]; ok {
			handlers = callbacks.Get()
		}
	}()
	for _, handler := range handlers {
		HandleError(func() {
			handler(frame)
		})
	}
}

func (self *WsTransport) On(kind MessageKind, handler FrameHandler) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := subscriptionKey{self.schemaId, kind}
	callbacks, ok := self.handlers[key]
	if !ok {
		callbacks = NewCallbackList[FrameHandler]()
		self.handlers[key] = callbacks
	}
	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *WsTransport) Emit(kind MessageKind, payload any) error {
	var connection *wsConnection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		connection = self.connection
	}()
	if connection == nil {
		return ErrNotConnected
	}

	frame, err := ToFrameWithKind(connection.schemaId, kind, payload)
	if err != nil {
		return err
	}
	message, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	select {
	case <-connection.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case connection.send <- message:
		glog.V(2).Infof("[t]emit %s %s\n", kind, connection.schemaId)
		return nil
	default:
		glog.Infof("[t]emit %s %s = %s\n", kind, connection.schemaId, ErrSendBufferFull)
		return ErrSendBufferFull
	}
}

// tears down the connection and removes every handler
func (self *WsTransport) Disconnect() {
	var connection *wsConnection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		connection = self.connection
		self.connection = nil
		self.schemaId = ""
		self.state = Disconnected
		for _, callbacks := range self.handlers {
			callbacks.Clear()
		}
		self.handlers = map[subscriptionKey]*CallbackList[FrameHandler]{}
	}()
	if connection != nil {
		glog.V(1).Infof("[t]disconnect %s\n", connection.schemaId)
		connection.cancel()
		self.notifyState(Disconnected, nil)
	}
}

func (self *WsTransport) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *WsTransport) setState(state ConnectionState, err error) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.state = state
	}()
	self.notifyState(state, err)
}

func (self *WsTransport) notifyState(state ConnectionState, err error) {
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state, err)
		})
	}
}
