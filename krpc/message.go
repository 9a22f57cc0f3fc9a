// Package krpc implements the KRPC message envelope (BEP-5 C8): the
// bencoded t/y/q/a/r/e wire format queries and replies are carried in, its
// field-level validation, and the compact node/peer info codecs the
// payload fields use.
//
// Encoding itself is delegated to a real bencode codec
// (github.com/jackpal/bencode-go) rather than hand-rolled.
package krpc

import (
	"bytes"
	"errors"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// Query method names.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// Message type discriminators carried in the y field.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// KRPC error codes.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// QueryArgs carries the `a` dictionary of a query message. Fields unused by
// a given method are left zero and omitted on the wire.
type QueryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
	Token       string `bencode:"token,omitempty"`
}

// ReturnValues carries the `r` dictionary of a response message.
type ReturnValues struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// Message is the full KRPC envelope: exactly one of Q/A, R, or E is
// populated depending on Y.
type Message struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	Q string        `bencode:"q,omitempty"`
	A *QueryArgs    `bencode:"a,omitempty"`
	R *ReturnValues `bencode:"r,omitempty"`
	E []interface{} `bencode:"e,omitempty"`
}

// ErrorPayload is the decoded [code, message] pair carried in the `e`
// field. The wire shape is a two-element heterogeneous list rather than a
// dictionary, so Message carries it as a raw []interface{} and this type
// is only the parsed, typed view of it.
type ErrorPayload struct {
	Code    int
	Message string
}

// Error returns the decoded error payload of m, which must be a y="e"
// message built by Decode.
func (m *Message) Error() (*ErrorPayload, error) {
	if len(m.E) != 2 {
		return nil, fmt.Errorf("krpc: error payload has %d elements, want 2", len(m.E))
	}
	code, ok := m.E[0].(int64)
	if !ok {
		return nil, errors.New("krpc: error payload code is not an integer")
	}
	msg, ok := m.E[1].(string)
	if !ok {
		return nil, errors.New("krpc: error payload message is not a string")
	}
	return &ErrorPayload{Code: int(code), Message: msg}, nil
}

// Encode bencodes m. The envelope is assembled as a map of plain values
// because the codec cannot encode pointer values such as *QueryArgs.
func Encode(m *Message) ([]byte, error) {
	env := map[string]interface{}{"t": m.T, "y": m.Y}
	if m.Q != "" {
		env["q"] = m.Q
	}
	if m.A != nil {
		env["a"] = *m.A
	}
	if m.R != nil {
		env["r"] = *m.R
	}
	if len(m.E) > 0 {
		env["e"] = m.E
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, env); err != nil {
		return nil, fmt.Errorf("krpc: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a raw datagram into a Message and validates the envelope
// fields every inbound message must carry regardless of type: t present,
// y one of q/r/e.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := bencode.Unmarshal(bytes.NewReader(data), &m); err != nil {
		return nil, fmt.Errorf("krpc: decode: %w", err)
	}
	if m.T == "" {
		return nil, errors.New("krpc: message missing transaction id")
	}
	switch m.Y {
	case TypeQuery:
		if m.Q == "" || m.A == nil {
			return nil, errors.New("krpc: query missing q or a")
		}
		if err := validateID("a.id", m.A.ID); err != nil {
			return nil, err
		}
	case TypeResponse:
		if m.R == nil {
			return nil, errors.New("krpc: response missing r")
		}
		if err := validateID("r.id", m.R.ID); err != nil {
			return nil, err
		}
	case TypeError:
		if len(m.E) != 2 {
			return nil, errors.New("krpc: error message missing e")
		}
	default:
		return nil, fmt.Errorf("krpc: unknown message type %q", m.Y)
	}
	return &m, nil
}

// validateID enforces the 20-byte node-id length BEP-5 requires of every
// id/target/info_hash field.
func validateID(field, value string) error {
	if len(value) != 20 {
		return fmt.Errorf("krpc: %s has length %d, want 20", field, len(value))
	}
	return nil
}

// ValidateTarget checks the `target` argument find_node requires.
func ValidateTarget(a *QueryArgs) error {
	return validateID("a.target", a.Target)
}

// ValidateInfoHash checks the `info_hash` argument get_peers/announce_peer
// require.
func ValidateInfoHash(a *QueryArgs) error {
	return validateID("a.info_hash", a.InfoHash)
}

// NewQuery builds a query message for method with the given transaction id.
func NewQuery(tid, method string, args *QueryArgs) *Message {
	return &Message{T: tid, Y: TypeQuery, Q: method, A: args}
}

// NewResponse builds a response message for transaction tid.
func NewResponse(tid string, r *ReturnValues) *Message {
	return &Message{T: tid, Y: TypeResponse, R: r}
}

// NewError builds an error message for transaction tid.
func NewError(tid string, code int, message string) *Message {
	return &Message{T: tid, Y: TypeError, E: []interface{}{code, message}}
}
