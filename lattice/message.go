package lattice

import (
	"encoding/json"
	"strings"
)

// Request kinds emitted by the client.
const (
	KindPub     = "pub"
	KindSub     = "sub"
	KindUnsub   = "unsub"
	KindGetAcls = "getAcls"
	KindAdvance = "advance"
	KindFetch   = "fetch"
)

// Response kinds emitted by the server.
const (
	KindHappy           = "happy"
	KindError           = "error"
	KindData            = "data"
	KindAdvanceResponse = "advanceResponse"
	KindFetchResponse   = "fetchResponse"
	KindGetAclsResponse = "getAclsResponse"
	KindConnectResponse = "connectResponse"
)

// Envelope is the wire frame: a json object with a fixed version, a kind
// selecting the payload shape, and an opaque closure id correlating a
// response to the request that caused it.
type Envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Closure string          `json:"closure,omitempty"`
}

func (self *Envelope) DecodePayload(out any) error {
	if len(self.Payload) == 0 {
		return newInternalError("%s: missing payload", self.Kind)
	}
	if err := json.Unmarshal(self.Payload, out); err != nil {
		return newInternalError("%s: malformed payload: %s", self.Kind, err)
	}
	return nil
}

// DecodeEnvelope parses an inbound frame and enforces the protocol version.
func DecodeEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, newInternalError("malformed message: %s", err)
	}
	if envelope.Version != ProtocolVersion {
		return nil, newInternalError("protocol version mismatch (%d != %d)", envelope.Version, ProtocolVersion)
	}
	return envelope, nil
}

// Request is an outbound frame before encoding. The closure id is minted
// once per request and survives resends, which keeps resends idempotent.
type Request struct {
	Kind    string
	Payload any
	Closure string
}

func NewRequest(kind string, payload any) *Request {
	return &Request{
		Kind:    kind,
		Payload: payload,
		Closure: NewId().String(),
	}
}

func (self *Request) Encode() ([]byte, error) {
	payload, err := json.Marshal(self.Payload)
	if err != nil {
		return nil, newInternalError("%s: cannot encode payload: %s", self.Kind, err)
	}
	return json.Marshal(&Envelope{
		Version: ProtocolVersion,
		Kind:    self.Kind,
		Payload: payload,
		Closure: self.Closure,
	})
}

type PubPayload struct {
	Path       []string `json:"path"`
	DeletePath bool     `json:"deletePath"`
	Cts        int64    `json:"cts"`
	Data       *string  `json:"data,omitempty"`
	AssumeAcl  *string  `json:"assumeACL,omitempty"`
}

type SubPayload struct {
	Path []string `json:"path"`
}

type GetAclsPayload struct {
}

type AdvancePayload struct {
	Pattern []string `json:"pattern"`
	Rvts    int64    `json:"rvts"`
}

type FetchPayload struct {
	Vts []int64 `json:"vts"`
}

// HappyPayload acknowledges a request. A non-zero code is a server-side
// request failure with msg as the explanation.
type HappyPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type ValuePayload struct {
	Path    []string `json:"path"`
	Exists  bool     `json:"exists"`
	Data    string   `json:"data,omitempty"`
	Acl     string   `json:"acl,omitempty"`
	Creator string   `json:"creator,omitempty"`
	Cts     int64    `json:"cts"`
	Vts     int64    `json:"vts"`
	Stable  bool     `json:"stable"`
}

func (self *ValuePayload) Value() *Value {
	return &Value{
		Key:     strings.Join(self.Path, "."),
		Exists:  self.Exists,
		Data:    self.Data,
		AclId:   self.Acl,
		Creator: self.Creator,
		Cts:     self.Cts,
		Vts:     self.Vts,
		Stable:  self.Stable,
	}
}

type AdvanceResponsePayload struct {
	Vts    []int64 `json:"vts"`
	MaxVts int64   `json:"maxvts,omitempty"`
}

type FetchResponsePayload struct {
	Response []*ValuePayload `json:"response"`
}

type GetAclsResponsePayload struct {
	Acls []string `json:"acls"`
}

type ConnectResponsePayload struct {
	Uuid    string `json:"uuid"`
	Uid     string `json:"uid"`
	Expires int64  `json:"expires"`
}

// envelopeError maps a terminal response envelope to the client error
// taxonomy. nil means the request succeeded.
func envelopeError(envelope *Envelope) error {
	switch envelope.Kind {
	case KindHappy:
		happy := &HappyPayload{}
		if err := envelope.DecodePayload(happy); err != nil {
			return err
		}
		if happy.Code != 0 {
			return newRequestError("%s (code %d)", happy.Msg, happy.Code)
		}
		return nil
	case KindError:
		return newInternalError("server error")
	default:
		return nil
	}
}
