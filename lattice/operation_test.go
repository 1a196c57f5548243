package lattice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func happyEnvelope(code int) *Envelope {
	payload, _ := json.Marshal(&HappyPayload{Code: code})
	return &Envelope{
		Version: ProtocolVersion,
		Kind:    KindHappy,
		Payload: payload,
	}
}

// the app never connects here; operations stay in flight until a response
// is injected
func newQueueTestApp(t *testing.T) *App {
	app, err := ConnectWithSettings(context.Background(), "localhost", 1, false, DefaultAppSettings())
	assert.Equal(t, err, nil)
	return app
}

func TestOperationSignatures(t *testing.T) {
	app := newQueueTestApp(t)
	defer app.Close()

	key := app.Key("tests.sig")
	data := "x"

	pub := newPublishOperation(app, key, &data, false, nil, 1, nil)
	sub := newSubscribeOperation(app, key, nil)
	getAcls := newGetAclsOperation(app, nil)
	advance := newAdvanceOperation(app, key)

	assert.Equal(t, pub.signature(), "pub:tests.sig")
	assert.Equal(t, sub.signature(), "sub:tests.sig")
	assert.Equal(t, getAcls.signature(), "getAcls")
	assert.Equal(t, advance.signature(), "advance:tests.sig")
	assert.NotEqual(t, pub.signature(), sub.signature())
}

func TestConflictGating(t *testing.T) {
	app := newQueueTestApp(t)
	defer app.Close()

	key := app.Key("tests.gate")
	other := app.Key("tests.gate2")
	data := "x"

	op1 := newPublishOperation(app, key, &data, false, nil, 1, nil)
	op2 := newPublishOperation(app, key, &data, false, nil, 2, nil)
	op3 := newPublishOperation(app, other, &data, false, nil, 3, nil)

	app.stateLock.Lock()
	app.enqueueOperationLocked(op1)
	app.enqueueOperationLocked(op2)
	app.enqueueOperationLocked(op3)
	app.stateLock.Unlock()

	// the earliest operation per signature starts; conflicting successors
	// wait, distinct signatures interleave
	assert.Equal(t, op1.Started(), true)
	assert.Equal(t, op2.Started(), false)
	assert.Equal(t, op3.Started(), true)

	// finishing the predecessor unblocks the successor
	op1.handleResponse(happyEnvelope(0))
	assert.Equal(t, op1.Finished(), true)
	assert.Equal(t, op2.Started(), true)
	assert.Equal(t, op3.Finished(), false)
}

func TestConflictGatingGetAcls(t *testing.T) {
	app := newQueueTestApp(t)
	defer app.Close()

	op1 := newGetAclsOperation(app, nil)
	op2 := newGetAclsOperation(app, nil)

	app.stateLock.Lock()
	app.enqueueOperationLocked(op1)
	app.enqueueOperationLocked(op2)
	app.stateLock.Unlock()

	assert.Equal(t, op1.Started(), true)
	assert.Equal(t, op2.Started(), false)
}

func TestPublishResponseError(t *testing.T) {
	app := newQueueTestApp(t)
	defer app.Close()

	key := app.Key("tests.err")
	data := "x"

	var callbackErr error
	done := make(chan struct{})
	op := newPublishOperation(app, key, &data, false, nil, 1, func(envelope *Envelope, err error) {
		callbackErr = err
		close(done)
	})

	app.stateLock.Lock()
	app.enqueueOperationLocked(op)
	app.stateLock.Unlock()

	op.handleResponse(happyEnvelope(13))
	<-done

	assert.NotEqual(t, callbackErr, nil)
	assert.Equal(t, IsErrorCode(callbackErr, ErrorCodeRequest), true)
	assert.Equal(t, op.Finished(), true)

	// a duplicate response after finish is dropped
	op.handleResponse(happyEnvelope(0))
}

func TestAdvanceRvtsSnapshot(t *testing.T) {
	app := newQueueTestApp(t)
	defer app.Close()

	pattern := app.Key("tests.snap.*")

	app.stateLock.Lock()
	app.rvts[rvtsSlot(pattern)] = 77
	op := newAdvanceOperation(app, pattern)
	app.enqueueOperationLocked(op)
	app.stateLock.Unlock()

	assert.Equal(t, op.Started(), true)
	assert.Equal(t, op.rvts, int64(77))

	request := op.request
	payload, ok := request.Payload.(*AdvancePayload)
	assert.Equal(t, ok, true)
	assert.Equal(t, payload.Rvts, int64(77))
	assert.Equal(t, payload.Pattern, []string{"tests", "snap", "*"})
}
