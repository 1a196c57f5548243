package lattice

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestTransportSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	defer store.close()
	app := newTestApp(t, store)
	defer app.Close()

	transport := app.Transport()
	assert.Equal(t, transport.State(), TransportStateOpen)

	// an open session resolves immediately with the same session
	sessions := make(chan *ConnectResponsePayload, 1)
	transport.StartSession(func(session *ConnectResponsePayload, err error) {
		assert.Equal(t, err, nil)
		sessions <- session
	})
	select {
	case session := <-sessions:
		assert.Equal(t, session.Uid, "demo")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}

	transport.EndSession()
	assert.Equal(t, transport.State(), TransportStateIdle)
}

func TestTransportConnectFailure(t *testing.T) {
	app, err := ConnectWithSettings(context.Background(), "localhost", 1, false, newTestAppSettings())
	assert.Equal(t, err, nil)
	defer app.Close()

	_, err = app.Authenticate("demo", "demo-token").Get()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, IsErrorCode(err, ErrorCodeInternal), true)
}

// unknown kinds and mismatched versions are logged and ignored without
// disturbing the session
func TestTransportToleratesJunk(t *testing.T) {
	store := newTestStore(t)
	defer store.close()
	app := newTestApp(t, store)
	defer app.Close()

	store.broadcastRaw([]byte(`{"version":15,"kind":"shrug","payload":{}}`))
	store.broadcastRaw([]byte(`{"version":14,"kind":"data","payload":{}}`))
	store.broadcastRaw([]byte(`garbage`))

	k := app.Key("tests").NewChild()
	ok, err := k.Write("still works").Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, app.Transport().State(), TransportStateOpen)
}
