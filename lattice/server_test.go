package lattice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// testStore is an in-process counterparty speaking the v15 protocol over
// websocket: enough of the server to run the client end to end.
type testStore struct {
	t          *testing.T
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	stateLock sync.Mutex
	// concrete path -> latest payload
	values map[string]*ValuePayload
	vts    int64
	conns  map[*testStoreConn]bool

	defaultAcl string
	uid        string
}

type testStoreConn struct {
	store    *testStore
	conn     *websocket.Conn
	sendLock sync.Mutex
	// pattern path -> components
	subs map[string][]string
}

func newTestStore(t *testing.T) *testStore {
	store := &testStore{
		t:          t,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		values:     map[string]*ValuePayload{},
		conns:      map[*testStoreConn]bool{},
		defaultAcl: AclPublicCreate,
		uid:        "demo",
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ConnectPath, store.handleConnect)
	store.httpServer = httptest.NewServer(mux)
	return store
}

func (self *testStore) hostPort() (string, int) {
	u, err := url.Parse(self.httpServer.URL)
	if err != nil {
		self.t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		self.t.Fatal(err)
	}
	return u.Hostname(), port
}

func (self *testStore) close() {
	self.closeConns()
	self.httpServer.Close()
}

// closeConns severs every connection without touching the stored values,
// simulating an unexpected disconnect.
func (self *testStore) closeConns() {
	self.stateLock.Lock()
	conns := []*testStoreConn{}
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.conn.Close()
	}
}

// broadcastRaw sends an arbitrary frame to every connection.
func (self *testStore) broadcastRaw(message []byte) {
	self.stateLock.Lock()
	conns := []*testStoreConn{}
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.sendLock.Lock()
		conn.conn.WriteMessage(websocket.TextMessage, message)
		conn.sendLock.Unlock()
	}
}

func (self *testStore) maxVts() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.vts
}

func (self *testStore) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	storeConn := &testStoreConn{
		store: self,
		conn:  conn,
		subs:  map[string][]string{},
	}
	self.stateLock.Lock()
	self.conns[storeConn] = true
	self.stateLock.Unlock()

	storeConn.send(KindConnectResponse, &ConnectResponsePayload{
		Uuid:    NewId().String(),
		Uid:     self.uid,
		Expires: 1 << 40,
	}, "")

	go storeConn.readLoop()
}

func (self *testStoreConn) send(kind string, payload any, closure string) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		self.store.t.Error(err)
		return
	}
	message, err := json.Marshal(&Envelope{
		Version: ProtocolVersion,
		Kind:    kind,
		Payload: payloadBytes,
		Closure: closure,
	})
	if err != nil {
		self.store.t.Error(err)
		return
	}
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	self.conn.WriteMessage(websocket.TextMessage, message)
}

func (self *testStoreConn) happy(closure string, code int, msg string) {
	self.send(KindHappy, &HappyPayload{Code: code, Msg: msg}, closure)
}

func (self *testStoreConn) readLoop() {
	defer func() {
		self.conn.Close()
		self.store.stateLock.Lock()
		delete(self.store.conns, self)
		self.store.stateLock.Unlock()
	}()

	for {
		_, message, err := self.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}
		envelope, err := DecodeEnvelope(message)
		if err != nil {
			continue
		}
		self.handle(envelope)
	}
}

func (self *testStoreConn) handle(envelope *Envelope) {
	switch envelope.Kind {
	case KindPub:
		payload := &PubPayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			self.happy(envelope.Closure, 1, err.Error())
			return
		}
		self.handlePub(payload, envelope.Closure)
	case KindSub:
		payload := &SubPayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			self.happy(envelope.Closure, 1, err.Error())
			return
		}
		self.store.stateLock.Lock()
		self.subs[strings.Join(payload.Path, ".")] = payload.Path
		self.store.stateLock.Unlock()
		self.happy(envelope.Closure, 0, "")
	case KindUnsub:
		payload := &SubPayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			self.happy(envelope.Closure, 1, err.Error())
			return
		}
		self.store.stateLock.Lock()
		delete(self.subs, strings.Join(payload.Path, "."))
		self.store.stateLock.Unlock()
		self.happy(envelope.Closure, 0, "")
	case KindGetAcls:
		self.send(KindGetAclsResponse, &GetAclsResponsePayload{Acls: StaticAcls()}, envelope.Closure)
	case KindAdvance:
		payload := &AdvancePayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			self.happy(envelope.Closure, 1, err.Error())
			return
		}
		self.handleAdvance(payload, envelope.Closure)
	case KindFetch:
		payload := &FetchPayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			self.happy(envelope.Closure, 1, err.Error())
			return
		}
		self.handleFetch(payload, envelope.Closure)
	default:
		self.happy(envelope.Closure, 1, "unknown kind")
	}
}

func (self *testStoreConn) handlePub(payload *PubPayload, closure string) {
	store := self.store
	store.stateLock.Lock()
	updates := []*ValuePayload{}
	if payload.DeletePath {
		for path, value := range store.values {
			if !matchComponents(payload.Path, splitPath(path)) {
				continue
			}
			if !value.Exists {
				continue
			}
			store.vts += 1
			tombstone := &ValuePayload{
				Path:    value.Path,
				Exists:  false,
				Creator: store.uid,
				Cts:     payload.Cts,
				Vts:     store.vts,
				Stable:  true,
			}
			store.values[path] = tombstone
			updates = append(updates, tombstone)
		}
	} else {
		acl := store.defaultAcl
		if payload.AssumeAcl != nil {
			acl = *payload.AssumeAcl
		}
		data := ""
		if payload.Data != nil {
			data = *payload.Data
		}
		store.vts += 1
		value := &ValuePayload{
			Path:    payload.Path,
			Exists:  true,
			Data:    data,
			Acl:     acl,
			Creator: store.uid,
			Cts:     payload.Cts,
			Vts:     store.vts,
			Stable:  true,
		}
		store.values[strings.Join(payload.Path, ".")] = value
		updates = append(updates, value)
	}
	conns := []*testStoreConn{}
	for conn := range store.conns {
		conns = append(conns, conn)
	}
	store.stateLock.Unlock()

	self.happy(closure, 0, "")

	// push the new versions to every subscribed connection
	for _, value := range updates {
		for _, conn := range conns {
			if conn.subscribedTo(value.Path) {
				conn.send(KindData, value, "")
			}
		}
	}
}

func (self *testStoreConn) subscribedTo(path []string) bool {
	self.store.stateLock.Lock()
	defer self.store.stateLock.Unlock()
	for _, pattern := range self.subs {
		if matchComponents(pattern, path) {
			return true
		}
	}
	return false
}

func (self *testStoreConn) handleAdvance(payload *AdvancePayload, closure string) {
	store := self.store
	store.stateLock.Lock()
	vtsList := []int64{}
	maxVts := int64(0)
	for path, value := range store.values {
		if value.Vts <= payload.Rvts {
			continue
		}
		if !matchComponents(payload.Pattern, splitPath(path)) {
			continue
		}
		vtsList = append(vtsList, value.Vts)
		if maxVts < value.Vts {
			maxVts = value.Vts
		}
	}
	store.stateLock.Unlock()

	self.send(KindAdvanceResponse, &AdvanceResponsePayload{
		Vts:    vtsList,
		MaxVts: maxVts,
	}, closure)
}

func (self *testStoreConn) handleFetch(payload *FetchPayload, closure string) {
	store := self.store
	store.stateLock.Lock()
	response := []*ValuePayload{}
	for _, vts := range payload.Vts {
		for _, value := range store.values {
			if value.Vts == vts {
				response = append(response, value)
				break
			}
		}
	}
	store.stateLock.Unlock()

	self.send(KindFetchResponse, &FetchResponsePayload{Response: response}, closure)
}
