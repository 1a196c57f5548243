package lattice

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type TransportState int

const (
	TransportStateIdle TransportState = iota
	TransportStateConnecting
	TransportStateOpen
	TransportStateClosing
)

func (self TransportState) String() string {
	switch self {
	case TransportStateIdle:
		return "idle"
	case TransportStateConnecting:
		return "connecting"
	case TransportStateOpen:
		return "open"
	case TransportStateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

type TransportSettings struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    75 * time.Second,
		PingTimeout:    15 * time.Second,
	}
}

// TransportCallbacks is the scheduler-side surface the transport talks
// back through. The transport never owns the scheduler.
type TransportCallbacks interface {
	// an unsolicited data message
	HandleValue(value *Value)
	// the session entered open. Started operations should be resent.
	HandleSessionOpen()
}

type ResponseFunction func(envelope *Envelope)

type ConnectFunction func(session *ConnectResponsePayload, err error)

// Transport owns at most one framed full-duplex connection to the store,
// keyed by a client-minted session id. Requests are correlated to
// responses by closure id. Send while not open triggers a connect and
// drops the frame; the operation layer drives retry.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	scheme string
	host   string
	port   int

	callbacks TransportCallbacks
	settings  *TransportSettings

	stateLock      sync.Mutex
	state          TransportState
	sessionId      string
	authProvider   string
	token          string
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	session        *ConnectResponsePayload
	pending        map[string]ResponseFunction
	connectWaiters []ConnectFunction

	sendLock sync.Mutex

	stateCallbacks *CallbackList[func(TransportState)]

	log LogFunction
}

func NewTransport(ctx context.Context, host string, port int, useSsl bool, callbacks TransportCallbacks, settings *TransportSettings) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	scheme := "ws"
	if useSsl {
		scheme = "wss"
	}
	return &Transport{
		ctx:            cancelCtx,
		cancel:         cancel,
		scheme:         scheme,
		host:           host,
		port:           port,
		callbacks:      callbacks,
		settings:       settings,
		state:          TransportStateIdle,
		pending:        map[string]ResponseFunction{},
		connectWaiters: []ConnectFunction{},
		stateCallbacks: NewCallbackList[func(TransportState)](),
		log:            LogFn(LogChannelTransport, "[t]"),
	}
}

func (self *Transport) State() TransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// AddStateCallback observes session state changes. Returns an id for
// RemoveStateCallback.
func (self *Transport) AddStateCallback(callback func(TransportState)) Id {
	return self.stateCallbacks.Add(callback)
}

func (self *Transport) RemoveStateCallback(callbackId Id) {
	self.stateCallbacks.Remove(callbackId)
}

// SetAuth sets the identity forwarded in the connect url. Takes effect on
// the next session.
func (self *Transport) SetAuth(authProvider string, token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.authProvider = authProvider
	self.token = token
}

// StartSession opens a session if none is open and calls back once with
// the session info or an error. If a session is already open the callback
// fires immediately with the current session.
func (self *Transport) StartSession(callback ConnectFunction) {
	self.stateLock.Lock()
	if self.state == TransportStateOpen {
		session := self.session
		self.stateLock.Unlock()
		go callback(session, nil)
		return
	}
	self.connectWaiters = append(self.connectWaiters, callback)
	self.connectLocked()
	self.stateLock.Unlock()
}

// EndSession clears the session id and closes the connection.
func (self *Transport) EndSession() {
	self.stateLock.Lock()
	self.setStateLocked(TransportStateClosing)
	self.sessionId = ""
	self.session = nil
	self.pending = map[string]ResponseFunction{}
	conn := self.conn
	self.conn = nil
	if self.connCancel != nil {
		self.connCancel()
		self.connCancel = nil
	}
	self.setStateLocked(TransportStateIdle)
	self.stateLock.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send serializes and transmits the request, registering responseCallback
// against the request closure. If the transport is not open, a connect is
// triggered and the frame is dropped; the caller's timeout drives resend.
func (self *Transport) Send(request *Request, responseCallback ResponseFunction) {
	self.stateLock.Lock()
	if self.state != TransportStateOpen {
		self.connectLocked()
		self.stateLock.Unlock()
		self.log("drop %s (not open)", request.Kind)
		return
	}
	self.pending[request.Closure] = responseCallback
	conn := self.conn
	self.stateLock.Unlock()

	message, err := request.Encode()
	if err != nil {
		glog.Errorf("[ts]encode %s error = %s\n", request.Kind, err)
		return
	}
	self.log("-> %s %s", request.Kind, request.Closure)
	self.write(conn, message)
}

func (self *Transport) write(conn *websocket.Conn, message []byte) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		// not recoverable for websocket. The read pump sees the close.
		glog.Infof("[ts]write error = %s\n", err)
	}
}

// connectLocked starts a connection attempt unless one is in progress.
func (self *Transport) connectLocked() {
	if self.state != TransportStateIdle {
		return
	}
	if self.sessionId == "" {
		self.sessionId = NewId().String()
	}
	self.setStateLocked(TransportStateConnecting)
	go self.connect(self.sessionId)
}

func (self *Transport) connectUrl(sessionId string) string {
	query := url.Values{}
	query.Set("sessionId", sessionId)
	if self.authProvider != "" {
		query.Set("authProvider", self.authProvider)
	}
	if self.token != "" {
		query.Set("token", self.token)
	}
	return fmt.Sprintf("%s://%s:%d%s?%s", self.scheme, self.host, self.port, ConnectPath, query.Encode())
}

func (self *Transport) connect(sessionId string) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.ConnectTimeout,
	}
	connectUrl := self.connectUrl(sessionId)
	self.log("connect %s", sessionId)
	conn, _, err := dialer.DialContext(self.ctx, connectUrl, nil)

	self.stateLock.Lock()
	if self.sessionId != sessionId || self.state != TransportStateConnecting {
		// the session moved on
		self.stateLock.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		self.setStateLocked(TransportStateIdle)
		waiters := self.takeConnectWaitersLocked()
		self.stateLock.Unlock()
		glog.Infof("[t]connect error %s = %s\n", sessionId, err)
		for _, waiter := range waiters {
			waiter(nil, newInternalError("connect failed: %s", err))
		}
		return
	}
	self.conn = conn
	connCtx, connCancel := context.WithCancel(self.ctx)
	self.connCancel = connCancel
	self.stateLock.Unlock()

	// open is entered on connectResponse in the read pump
	go self.readPump(conn, connCancel)
	go self.pingLoop(conn, connCtx)
}

func (self *Transport) readPump(conn *websocket.Conn, connCancel context.CancelFunc) {
	defer func() {
		connCancel()
		self.handleClose(conn)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			self.log("<- closed = %s", err)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}

		envelope, err := DecodeEnvelope(message)
		if err != nil {
			glog.Errorf("[tr]%s\n", err)
			continue
		}
		self.dispatch(envelope)
	}
}

func (self *Transport) dispatch(envelope *Envelope) {
	if envelope.Closure != "" {
		self.stateLock.Lock()
		responseCallback, ok := self.pending[envelope.Closure]
		if ok {
			delete(self.pending, envelope.Closure)
		}
		self.stateLock.Unlock()
		if ok {
			self.log("<- %s %s", envelope.Kind, envelope.Closure)
			responseCallback(envelope)
			return
		}
	}

	switch envelope.Kind {
	case KindData:
		payload := &ValuePayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			glog.Errorf("[tr]%s\n", err)
			return
		}
		self.log("<- data %s@%d", payload.Path, payload.Vts)
		self.callbacks.HandleValue(payload.Value())
	case KindConnectResponse:
		session := &ConnectResponsePayload{}
		if err := envelope.DecodePayload(session); err != nil {
			glog.Errorf("[tr]%s\n", err)
			return
		}
		self.stateLock.Lock()
		self.session = session
		self.setStateLocked(TransportStateOpen)
		waiters := self.takeConnectWaitersLocked()
		self.stateLock.Unlock()
		glog.Infof("[t]session open uuid=%s uid=%s\n", session.Uuid, session.Uid)
		for _, waiter := range waiters {
			waiter(session, nil)
		}
		self.callbacks.HandleSessionOpen()
	case KindError:
		self.stateLock.Lock()
		waiters := self.takeConnectWaitersLocked()
		self.stateLock.Unlock()
		if len(waiters) == 0 {
			glog.Infof("[tr]server error\n")
			return
		}
		for _, waiter := range waiters {
			waiter(nil, newInternalError("server error"))
		}
	default:
		glog.Infof("[tr]unknown kind %s\n", envelope.Kind)
	}
}

func (self *Transport) pingLoop(conn *websocket.Conn, connCtx context.Context) {
	for {
		select {
		case <-connCtx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		self.write(conn, []byte{})
	}
}

// handleClose transitions to idle on an unexpected close. In-flight
// operations are not failed; their timeouts provoke reconnect and resend.
func (self *Transport) handleClose(conn *websocket.Conn) {
	conn.Close()

	self.stateLock.Lock()
	if self.conn != conn {
		self.stateLock.Unlock()
		return
	}
	self.conn = nil
	self.connCancel = nil
	self.session = nil
	self.pending = map[string]ResponseFunction{}
	waiters := self.takeConnectWaitersLocked()
	self.setStateLocked(TransportStateIdle)
	self.stateLock.Unlock()

	for _, waiter := range waiters {
		waiter(nil, newInternalError("connection closed"))
	}
}

func (self *Transport) takeConnectWaitersLocked() []ConnectFunction {
	waiters := self.connectWaiters
	self.connectWaiters = []ConnectFunction{}
	return waiters
}

func (self *Transport) setStateLocked(state TransportState) {
	if self.state == state {
		return
	}
	self.state = state
	for _, callback := range self.stateCallbacks.Get() {
		go callback(state)
	}
}

func (self *Transport) Close() {
	self.EndSession()
	self.cancel()
}
