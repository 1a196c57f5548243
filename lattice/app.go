package lattice

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"
)

type AppSettings struct {
	// per-operation response timeout before an idempotent resend
	OperationTimeout time.Duration
	// delay between advance rounds on an idle pattern
	AdvanceInterval   time.Duration
	TransportSettings *TransportSettings
}

func DefaultAppSettings() *AppSettings {
	return &AppSettings{
		OperationTimeout:  DefaultOperationTimeout,
		AdvanceInterval:   5 * time.Second,
		TransportSettings: DefaultTransportSettings(),
	}
}

// ListenerFunc observes values for one listener registration. err is
// non-nil only at registration time: for a key validity failure, or when
// the registration is refused because Unauth is draining.
type ListenerFunc func(err error, value *Value)

type listenerRegistration struct {
	key      *Key
	callback ListenerFunc
	// concrete key -> highest delivered vts. Owned by the dispatch queue
	// task after registration.
	delivered map[string]int64
	queue     *eventQueue
}

// post schedules a delivery on the registration's own task. The delivered
// record keeps each (listener, key, vts) at most once, in vts order.
func (self *listenerRegistration) post(value *Value) {
	self.queue.Post(func() {
		if last, ok := self.delivered[value.Key]; ok && value.Vts <= last {
			return
		}
		self.delivered[value.Key] = value.Vts
		self.callback(nil, value)
	})
}

type AuthData struct {
	Uid         string
	Provider    string
	Token       string
	Expires     int64
	SessionUuid string
}

// App is the client core: it owns the operation queue, the listener
// registry and the sync state, and coordinates the subscribe -> advance ->
// fetch catch-up loop against the transport.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *Transport
	settings  *AppSettings

	stateLock  sync.Mutex
	operations []*Operation
	listeners  []*listenerRegistration
	// concrete key -> latest observed value
	memoryDb *xsync.MapOf[string, *Value]
	// vts -> concrete key, used by advance to recognize known versions
	vtsIndex *xsync.MapOf[int64, string]
	// aclId.pattern -> highest committed rvts
	rvts map[string]int64
	// aclId.pattern slots currently driving an advance loop
	advanceScheduled map[string]bool
	acls             []string
	authData         *AuthData
	lastCts          int64
	draining         bool
	drainWaiters     []*future.Promise[bool]

	log         LogFunction
	responseLog LogFunction
}

// Connect creates an app bound to a remote store. No connection is opened
// until the first operation or Authenticate needs one.
func Connect(host string, port int, useSsl bool) (*App, error) {
	return ConnectWithSettings(context.Background(), host, port, useSsl, DefaultAppSettings())
}

func ConnectWithSettings(ctx context.Context, host string, port int, useSsl bool, settings *AppSettings) (*App, error) {
	if host == "" {
		return nil, newInvalidRequestError("missing host")
	}
	if port <= 0 || 65535 < port {
		return nil, newInvalidRequestError("invalid port %d", port)
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	app := &App{
		ctx:              cancelCtx,
		cancel:           cancel,
		settings:         settings,
		operations:       []*Operation{},
		listeners:        []*listenerRegistration{},
		memoryDb:         xsync.NewMapOf[string, *Value](),
		vtsIndex:         xsync.NewMapOf[int64, string](),
		rvts:             map[string]int64{},
		advanceScheduled: map[string]bool{},
		log:              LogFn(LogChannelFacade, "[fc]"),
		responseLog:      LogFn(LogChannelResponse, "[rs]"),
	}
	app.transport = NewTransport(cancelCtx, host, port, useSsl, app, settings.TransportSettings)
	return app, nil
}

// Key parses a period-joined path into a key bound to this app. The empty
// string is the root key.
func (self *App) Key(path string) *Key {
	return newKey(self, splitPath(path))
}

// KeyComponents builds a key from explicit components.
func (self *App) KeyComponents(components ...string) *Key {
	return newKey(self, components)
}

func (self *App) Transport() *Transport {
	return self.transport
}

// Acls returns the catalog cached by the last getAcls round.
func (self *App) Acls() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.acls == nil {
		return nil
	}
	return slices.Clone(self.acls)
}

// AuthData returns the current session identity, or nil.
func (self *App) AuthData() *AuthData {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authData
}

// Authenticate forwards the provider name and token to the store and
// resolves with the session identity.
func (self *App) Authenticate(provider string, token string) *future.Future[*AuthData] {
	promise := future.NewPromise[*AuthData]()
	if provider == "" {
		promise.Set(nil, newInvalidRequestError("missing auth provider"))
		return promise.Future()
	}
	self.log("authenticate provider=%s", provider)

	claimUid, claimExpires := peekTokenClaims(token)

	self.transport.SetAuth(provider, token)
	self.transport.StartSession(func(session *ConnectResponsePayload, err error) {
		if err != nil {
			promise.Set(nil, err)
			return
		}
		authData := &AuthData{
			Uid:         session.Uid,
			Provider:    provider,
			Token:       token,
			Expires:     session.Expires,
			SessionUuid: session.Uuid,
		}
		if authData.Uid == "" {
			authData.Uid = claimUid
		}
		if authData.Expires == 0 {
			authData.Expires = claimExpires
		}
		self.stateLock.Lock()
		self.authData = authData
		self.stateLock.Unlock()
		promise.Set(authData, nil)
	})
	return promise.Future()
}

// peekTokenClaims extracts a best-effort identity from a provider token
// without verifying it. The server response always wins; opaque tokens
// yield nothing.
func peekTokenClaims(token string) (uid string, expires int64) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return "", 0
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return "", 0
	}
	if v, ok := claims["uid"].(string); ok {
		uid = v
	} else if v, ok := claims["sub"].(string); ok {
		uid = v
	}
	if v, ok := claims["exp"].(float64); ok {
		expires = int64(v)
	}
	return uid, expires
}

// Unauth removes all listeners, drains the operation queue to empty,
// clears the session identity and ends the transport session. No new
// operations are accepted while draining.
func (self *App) Unauth() *future.Future[bool] {
	promise := future.NewPromise[bool]()
	self.log("unauth")
	self.stateLock.Lock()
	self.draining = true
	self.drainWaiters = append(self.drainWaiters, promise)
	self.removeAllListenersLocked()
	empty := len(self.operations) == 0
	self.stateLock.Unlock()
	if empty {
		self.finishDrain()
	}
	return promise.Future()
}

func (self *App) finishDrain() {
	self.stateLock.Lock()
	if !self.draining || len(self.operations) != 0 {
		self.stateLock.Unlock()
		return
	}
	self.draining = false
	self.acls = nil
	self.authData = nil
	self.rvts = map[string]int64{}
	self.advanceScheduled = map[string]bool{}
	waiters := self.drainWaiters
	self.drainWaiters = nil
	self.stateLock.Unlock()

	self.transport.SetAuth("", "")
	self.transport.EndSession()
	for _, waiter := range waiters {
		waiter.Set(true, nil)
	}
}

// RefreshAcls asks the store for the acl catalog and caches it.
func (self *App) RefreshAcls() *future.Future[[]string] {
	promise := future.NewPromise[[]string]()
	self.stateLock.Lock()
	if self.draining {
		self.stateLock.Unlock()
		promise.Set(nil, newRequestError("draining"))
		return promise.Future()
	}
	op := newGetAclsOperation(self, func(envelope *Envelope, err error) {
		if err != nil {
			promise.Set(nil, err)
			return
		}
		promise.Set(self.Acls(), nil)
	})
	self.enqueueOperationLocked(op)
	self.stateLock.Unlock()
	return promise.Future()
}

func (self *App) Close() {
	self.stateLock.Lock()
	listeners := slices.Clone(self.listeners)
	self.listeners = []*listenerRegistration{}
	self.stateLock.Unlock()
	for _, reg := range listeners {
		reg.queue.Close()
	}
	self.transport.Close()
	self.cancel()
}

// key facade

type WriteOptions struct {
	// one of the static acl identifiers, forwarded to the server
	Acl string
}

// Write publishes data to this concrete key. data is a string, sent
// verbatim, or a structured value serialized to json text.
func (self *Key) Write(data any) *future.Future[bool] {
	return self.WriteWithOptions(data, nil)
}

func (self *Key) WriteWithOptions(data any, options *WriteOptions) *future.Future[bool] {
	var aclId *string
	if options != nil && options.Acl != "" {
		acl := options.Acl
		aclId = &acl
	}
	dataStr, err := encodeData(data)
	if err != nil {
		promise := future.NewPromise[bool]()
		promise.Set(false, err)
		return promise.Future()
	}
	return self.app.publish(self, dataStr, false, aclId)
}

// Delete writes a tombstone. Wildcards are permitted; the server enforces
// access on the matched keys.
func (self *Key) Delete() *future.Future[bool] {
	return self.app.publish(self, nil, true, nil)
}

// Listen registers the callback for every matching value, starting with a
// snapshot of the latest known state. At most one listener per Key
// instance; re-registration replaces.
func (self *Key) Listen(callback ListenerFunc) {
	self.app.addListener(self, callback)
}

func (self *Key) Unlisten() {
	self.app.removeListener(self)
}

// encodeData renders user data to the wire text: strings verbatim,
// structured values as json. Primitive non-string values are rejected.
func encodeData(data any) (*string, error) {
	if s, ok := data.(string); ok {
		return &s, nil
	}
	if data == nil {
		return nil, newRequestError("data must be a string or a structured value")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, newRequestError("data is not serializable: %s", err)
	}
	if len(b) == 0 || (b[0] != '{' && b[0] != '[') {
		return nil, newRequestError("data must be a string or a structured value")
	}
	s := string(b)
	return &s, nil
}

func (self *App) publish(key *Key, data *string, deletePath bool, aclId *string) *future.Future[bool] {
	promise := future.NewPromise[bool]()
	if err := key.Err(); err != nil {
		promise.Set(false, err)
		return promise.Future()
	}
	if !deletePath && key.IsPattern() {
		promise.Set(false, newRequestError("cannot write to a pattern"))
		return promise.Future()
	}
	self.stateLock.Lock()
	if self.draining {
		self.stateLock.Unlock()
		promise.Set(false, newRequestError("draining"))
		return promise.Future()
	}
	cts := self.nextCtsLocked()
	op := newPublishOperation(self, key, data, deletePath, aclId, cts, func(envelope *Envelope, err error) {
		promise.Set(err == nil, err)
	})
	self.log("publish %s delete=%t cts=%d", key, deletePath, cts)
	self.enqueueOperationLocked(op)
	self.stateLock.Unlock()
	return promise.Future()
}

// cts is client-assigned and monotonically non-decreasing across writes
func (self *App) nextCtsLocked() int64 {
	self.lastCts = max(self.lastCts+1, time.Now().UnixMilli())
	return self.lastCts
}

// listener registry

func (self *App) addListener(key *Key, callback ListenerFunc) {
	if err := key.Err(); err != nil {
		go callback(err, nil)
		return
	}
	self.log("listen %s", key)
	self.stateLock.Lock()
	if self.draining {
		self.stateLock.Unlock()
		go callback(newRequestError("draining"), nil)
		return
	}

	// re-registration on the same key instance replaces
	if i := self.listenerIndexLocked(key.id); 0 <= i {
		old := self.listeners[i]
		self.listeners = slices.Delete(self.listeners, i, i+1)
		old.queue.Close()
	}

	subscribed := self.hasListenerOnPathLocked(key.String())
	reg := &listenerRegistration{
		key:       key,
		callback:  callback,
		delivered: map[string]int64{},
		queue:     newEventQueue(self.ctx),
	}
	self.listeners = append(self.listeners, reg)

	if !subscribed {
		self.enqueueOperationLocked(newSubscribeOperation(self, key, func(envelope *Envelope, err error) {
			if err != nil {
				// the listener stays registered; catch-up still runs
				glog.Infof("[fc]subscribe %s error = %s\n", key, err)
			}
		}))
	}

	// prime with the latest known values
	self.memoryDb.Range(func(path string, value *Value) bool {
		if value.Exists && reg.key.MatchesPath(path) {
			reg.post(value)
		}
		return true
	})

	self.startAdvanceLocked(key)
	self.stateLock.Unlock()
}

func (self *App) removeListener(key *Key) {
	self.stateLock.Lock()
	self.removeListenerLocked(key)
	self.stateLock.Unlock()
}

func (self *App) removeListenerLocked(key *Key) {
	i := self.listenerIndexLocked(key.id)
	if i < 0 {
		return
	}
	reg := self.listeners[i]
	self.listeners = slices.Delete(self.listeners, i, i+1)
	reg.queue.Close()
	self.log("unlisten %s", key)

	if !self.hasListenerOnPathLocked(key.String()) {
		self.enqueueOperationLocked(newUnsubscribeOperation(self, key, func(envelope *Envelope, err error) {
			if err != nil {
				glog.Infof("[fc]unsubscribe %s error = %s\n", key, err)
			}
		}))
	}
}

func (self *App) removeAllListenersLocked() {
	// snapshot: removal mutates the registry
	listeners := slices.Clone(self.listeners)
	for _, reg := range listeners {
		self.removeListenerLocked(reg.key)
	}
}

func (self *App) listenerIndexLocked(keyId Id) int {
	return slices.IndexFunc(self.listeners, func(reg *listenerRegistration) bool {
		return reg.key.id == keyId
	})
}

func (self *App) hasListenerOnPathLocked(path string) bool {
	for _, reg := range self.listeners {
		if reg.key.String() == path {
			return true
		}
	}
	return false
}

// rvts bookkeeping is indexed by aclId+pattern. With the acls static and
// server-interpreted a single slot per pattern suffices; the `*.` acl
// scope prefix is kept for wire compatibility of the slot names.
func rvtsSlot(key *Key) string {
	return "*." + key.String()
}

func (self *App) startAdvanceLocked(key *Key) {
	slot := rvtsSlot(key)
	if self.advanceScheduled[slot] {
		return
	}
	self.advanceScheduled[slot] = true
	self.enqueueOperationLocked(newAdvanceOperation(self, key))
}

func (self *App) scheduleNextAdvanceLocked(pattern *Key) {
	slot := rvtsSlot(pattern)
	time.AfterFunc(self.settings.AdvanceInterval, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.draining || !self.hasListenerOnPathLocked(pattern.String()) {
			delete(self.advanceScheduled, slot)
			return
		}
		self.enqueueOperationLocked(newAdvanceOperation(self, pattern))
	})
}

// operation queue

func (self *App) enqueueOperationLocked(op *Operation) {
	self.operations = append(self.operations, op)
	self.startReadyOperationsLocked()
}

// startReadyOperationsLocked starts every queued operation that is the
// earliest in the queue with its query signature.
func (self *App) startReadyOperationsLocked() {
	seen := map[string]bool{}
	for _, op := range self.operations {
		signature := op.signature()
		if op.Started() {
			seen[signature] = true
			continue
		}
		if seen[signature] {
			continue
		}
		seen[signature] = true
		if op.kind == KindAdvance {
			op.rvts = self.rvts[rvtsSlot(op.key)]
		}
		op.start()
	}
}

func (self *App) removeOperationLocked(op *Operation) bool {
	i := slices.Index(self.operations, op)
	if 0 <= i {
		self.operations = slices.Delete(self.operations, i, i+1)
	}
	self.startReadyOperationsLocked()
	return self.draining && len(self.operations) == 0
}

// handleOperationResponse runs the variant-specific response processing,
// removes the operation from the queue and fires its callback.
func (self *App) handleOperationResponse(op *Operation, envelope *Envelope) {
	err := envelopeError(envelope)
	self.responseLog("%s %s err=%v", op.kind, envelope.Kind, err)

	self.stateLock.Lock()
	switch op.kind {
	case KindGetAcls:
		if err == nil && envelope.Kind == KindGetAclsResponse {
			payload := &GetAclsResponsePayload{}
			if derr := envelope.DecodePayload(payload); derr == nil {
				self.acls = payload.Acls
			} else {
				err = derr
			}
		}
	case KindAdvance:
		if err == nil && envelope.Kind == KindAdvanceResponse {
			self.handleAdvanceResponseLocked(op, envelope)
		} else {
			glog.Infof("[op]advance %s error = %v\n", op.key, err)
			self.scheduleNextAdvanceLocked(op.key)
		}
	case KindFetch:
		if err == nil && envelope.Kind == KindFetchResponse {
			self.handleFetchResponseLocked(op, envelope)
		} else {
			glog.Infof("[op]fetch %s error = %v\n", op.key, err)
			self.scheduleNextAdvanceLocked(op.key)
		}
	}
	drained := self.removeOperationLocked(op)
	self.stateLock.Unlock()

	op.finish(err)
	if drained {
		self.finishDrain()
	}
}

// handleAdvanceResponseLocked sorts the returned versions into known
// (redelivered from the local store) and unknown (fetched), then either
// chains a fetch or commits rvts' and schedules the next round.
func (self *App) handleAdvanceResponseLocked(op *Operation, envelope *Envelope) {
	payload := &AdvanceResponsePayload{}
	if err := envelope.DecodePayload(payload); err != nil {
		glog.Errorf("[op]%s\n", err)
		self.scheduleNextAdvanceLocked(op.key)
		return
	}

	fetchList := []int64{}
	maxReturned := int64(0)
	for _, vts := range payload.Vts {
		if maxReturned < vts {
			maxReturned = vts
		}
		if path, ok := self.vtsIndex.Load(vts); ok {
			if value, ok := self.memoryDb.Load(path); ok && vts <= value.Vts {
				// known version. Redeliver for listeners added since; the
				// per-listener delivered record drops duplicates.
				self.redeliverLocked(value)
				continue
			}
		}
		fetchList = append(fetchList, vts)
	}

	rvtsPrime := payload.MaxVts
	if rvtsPrime == 0 {
		rvtsPrime = max(op.rvts, maxReturned)
	}

	if 0 < len(fetchList) {
		self.enqueueOperationLocked(newFetchOperation(self, op.key, fetchList, rvtsPrime))
	} else {
		self.rvts[rvtsSlot(op.key)] = rvtsPrime
		self.scheduleNextAdvanceLocked(op.key)
	}
}

func (self *App) handleFetchResponseLocked(op *Operation, envelope *Envelope) {
	payload := &FetchResponsePayload{}
	if err := envelope.DecodePayload(payload); err != nil {
		glog.Errorf("[op]%s\n", err)
		self.scheduleNextAdvanceLocked(op.key)
		return
	}
	for _, valuePayload := range payload.Response {
		self.deliverLocked(valuePayload.Value())
	}
	self.rvts[rvtsSlot(op.key)] = op.rvtsPrime
	self.scheduleNextAdvanceLocked(op.key)
}

// sync state and delivery fan-out

// TransportCallbacks

// HandleValue routes an unsolicited data message into the fan-out.
func (self *App) HandleValue(value *Value) {
	self.stateLock.Lock()
	self.deliverLocked(value)
	self.stateLock.Unlock()
}

// HandleSessionOpen replays every started operation on a fresh session.
func (self *App) HandleSessionOpen() {
	self.stateLock.Lock()
	started := []*Operation{}
	for _, op := range self.operations {
		if op.Started() {
			started = append(started, op)
		}
	}
	self.stateLock.Unlock()

	for _, op := range started {
		op.resend()
	}
}

// deliverLocked applies a value to the local store and fans it out to
// matching listeners. Values at or below the stored vts are dropped, which
// keeps per-key delivery monotonic.
func (self *App) deliverLocked(value *Value) {
	if existing, ok := self.memoryDb.Load(value.Key); ok && value.Vts <= existing.Vts {
		self.responseLog("drop %s@%d (have %d)", value.Key, value.Vts, existing.Vts)
		return
	}
	self.memoryDb.Store(value.Key, value)
	self.vtsIndex.Store(value.Vts, value.Key)
	self.redeliverLocked(value)
}

func (self *App) redeliverLocked(value *Value) {
	for _, reg := range self.listeners {
		if reg.key.MatchesPath(value.Key) {
			reg.post(value)
		}
	}
}
