package lattice

import (
	"fmt"
	"sync"
	"time"
)

const DefaultOperationTimeout = 60 * time.Second

// OperationResultFunction fires once when the operation finishes.
// envelope is the terminal response, err the mapped client error.
type OperationResultFunction func(envelope *Envelope, err error)

// Operation is one typed action against the store with the lifecycle
// queued -> started -> responded -> finished. A started operation holds a
// bound request whose closure and payload are stable across resends, so a
// timeout or reconnect resend is idempotent.
type Operation struct {
	app  *App
	kind string
	// associated key. nil for getAcls.
	key      *Key
	callback OperationResultFunction

	// publish
	data       *string
	deletePath bool
	aclId      *string
	cts        int64

	// advance. rvts is snapshotted at start.
	rvts int64

	// fetch
	vtsList   []int64
	rvtsPrime int64

	timeout time.Duration

	stateLock sync.Mutex
	started   bool
	finished  bool
	timer     *time.Timer
	request   *Request
	response  *Envelope
	err       error

	log LogFunction
}

func newOperation(app *App, kind string, key *Key) *Operation {
	return &Operation{
		app:     app,
		kind:    kind,
		key:     key,
		timeout: app.settings.OperationTimeout,
		log:     LogFn(LogChannelOperation, "[op]"),
	}
}

func newPublishOperation(app *App, key *Key, data *string, deletePath bool, aclId *string, cts int64, callback OperationResultFunction) *Operation {
	op := newOperation(app, KindPub, key)
	op.data = data
	op.deletePath = deletePath
	op.aclId = aclId
	op.cts = cts
	op.callback = callback
	return op
}

func newSubscribeOperation(app *App, key *Key, callback OperationResultFunction) *Operation {
	op := newOperation(app, KindSub, key)
	op.callback = callback
	return op
}

func newUnsubscribeOperation(app *App, key *Key, callback OperationResultFunction) *Operation {
	op := newOperation(app, KindUnsub, key)
	op.callback = callback
	return op
}

func newGetAclsOperation(app *App, callback OperationResultFunction) *Operation {
	op := newOperation(app, KindGetAcls, nil)
	op.callback = callback
	return op
}

func newAdvanceOperation(app *App, pattern *Key) *Operation {
	return newOperation(app, KindAdvance, pattern)
}

func newFetchOperation(app *App, pattern *Key, vtsList []int64, rvtsPrime int64) *Operation {
	op := newOperation(app, KindFetch, pattern)
	op.vtsList = vtsList
	op.rvtsPrime = rvtsPrime
	return op
}

// signature is the conflict class: operations sharing a signature are
// serialized in enqueue order.
func (self *Operation) signature() string {
	if self.key == nil {
		return self.kind
	}
	return fmt.Sprintf("%s:%s", self.kind, self.key.String())
}

func (self *Operation) buildRequest() *Request {
	switch self.kind {
	case KindPub:
		return NewRequest(KindPub, &PubPayload{
			Path:       self.key.Components(),
			DeletePath: self.deletePath,
			Cts:        self.cts,
			Data:       self.data,
			AssumeAcl:  self.aclId,
		})
	case KindSub:
		return NewRequest(KindSub, &SubPayload{Path: self.key.Components()})
	case KindUnsub:
		return NewRequest(KindUnsub, &SubPayload{Path: self.key.Components()})
	case KindGetAcls:
		return NewRequest(KindGetAcls, &GetAclsPayload{})
	case KindAdvance:
		return NewRequest(KindAdvance, &AdvancePayload{
			Pattern: self.key.Components(),
			Rvts:    self.rvts,
		})
	case KindFetch:
		return NewRequest(KindFetch, &FetchPayload{Vts: self.vtsList})
	default:
		panic(fmt.Sprintf("unknown operation kind %s", self.kind))
	}
}

// start binds the request and transmits it. Called once by the scheduler
// when no conflicting operation precedes this one.
func (self *Operation) start() {
	self.stateLock.Lock()
	self.started = true
	self.request = self.buildRequest()
	self.armTimeoutLocked()
	request := self.request
	self.stateLock.Unlock()

	self.log("start %s %s", self.signature(), request.Closure)
	self.app.transport.Send(request, self.handleResponse)
}

// resend retransmits the bound request. Covers both the timeout and the
// reconnect replay; the unchanged closure makes it idempotent.
func (self *Operation) resend() {
	self.stateLock.Lock()
	if self.finished || !self.started {
		self.stateLock.Unlock()
		return
	}
	self.armTimeoutLocked()
	request := self.request
	self.stateLock.Unlock()

	self.log("resend %s %s", self.signature(), request.Closure)
	self.app.transport.Send(request, self.handleResponse)
}

func (self *Operation) armTimeoutLocked() {
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.timeout, self.resend)
}

func (self *Operation) handleResponse(envelope *Envelope) {
	self.stateLock.Lock()
	if self.finished {
		self.stateLock.Unlock()
		return
	}
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.response = envelope
	self.stateLock.Unlock()

	self.app.handleOperationResponse(self, envelope)
}

// finish marks the terminal state and fires the callback. Runs outside
// the scheduler lock.
func (self *Operation) finish(err error) {
	self.stateLock.Lock()
	if self.finished {
		self.stateLock.Unlock()
		return
	}
	self.finished = true
	self.err = err
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	response := self.response
	callback := self.callback
	self.stateLock.Unlock()

	self.log("finish %s err=%v", self.signature(), err)
	if callback != nil {
		callback(response, err)
	}
}

func (self *Operation) Started() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.started
}

func (self *Operation) Finished() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.finished
}
