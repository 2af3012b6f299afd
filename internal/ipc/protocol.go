// Package ipc implements the Decision API and Admin API transport: a
// Unix domain socket carrying a bespoke length-prefixed, tag-prefixed
// binary framing, per spec.md §6's explicit "well-defined, versioned
// binary record" requirement. A generic RPC framework is deliberately
// not used here — the wire contract is small, fixed, and versioned by a
// single Hello negotiation rather than a schema registry.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/childguard/daemon/internal/errs"
)

// ProtocolVersion is the current wire version negotiated in Hello.
const ProtocolVersion uint16 = 1

// MaxFrameBytes bounds a single frame's payload size; enforced by the
// server before allocating a read buffer, so a corrupt or hostile length
// prefix cannot trigger an unbounded allocation.
const MaxFrameBytes = 1 << 20

// Tag identifies a frame's payload type. Every frame is
// [4-byte big-endian length][1-byte tag][length-1 bytes of JSON payload].
type Tag byte

const (
	TagHello            Tag = 0x01
	TagHelloAck         Tag = 0x02
	TagDecisionRequest  Tag = 0x03
	TagDecisionResponse Tag = 0x04
	TagAdminRequest     Tag = 0x05
	TagAdminResponse    Tag = 0x06
	TagClose            Tag = 0x07
)

// Hello is the first message on every connection, negotiating protocol
// version and (for admin connections) presenting a bearer token.
type Hello struct {
	ProtocolVersion uint16 `json:"protocol_version"`
	CallerKind      string `json:"caller_kind"` // "web-filter" | "terminal-filter" | "window-manager" | "admin"
	Token           string `json:"token,omitempty"`
}

// HelloAck is the server's reply; Err is set (and the connection closed)
// on a version mismatch or failed authentication.
type HelloAck struct {
	ProtocolVersion uint16 `json:"protocol_version"`
	Err             string `json:"err,omitempty"`
}

// DecisionKeyWire mirrors domain.DecisionKey for the wire, keeping the
// transport package free of a direct domain.DecisionKind string
// dependency leaking into JSON tag choices made for wire stability.
type DecisionKeyWire struct {
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	Category  string `json:"category,omitempty"`
	Interface string `json:"interface,omitempty"`
}

// DecisionRequestMsg is the Decision API request frame.
type DecisionRequestMsg struct {
	CallerKind string          `json:"caller_kind"`
	SystemUser string          `json:"system_user"`
	Key        DecisionKeyWire `json:"key"`
	DeadlineMS int64           `json:"deadline_ms"`
}

// DecisionResponseMsg is the Decision API response frame.
type DecisionResponseMsg struct {
	Verdict       string `json:"verdict"`
	Reason        string `json:"reason,omitempty"`
	RewriteHint   string `json:"rewrite_hint,omitempty"`
	PolicyVersion int64  `json:"policy_version"`
	EvaluatedAt   int64  `json:"evaluated_at"`
	Err           string `json:"err,omitempty"`
}

// AdminRequestMsg carries one admin operation; Params is the
// operation-specific JSON body (e.g. a Policy for update-policy).
type AdminRequestMsg struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AdminResponseMsg is the admin operation's result.
type AdminResponseMsg struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// writeFrame writes tag and the JSON encoding of payload as one frame.
func writeFrame(w io.Writer, tag Tag, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.CodeIncompatibleProtocol, "encoding frame payload", err)
	}
	length := uint32(len(body) + 1)
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = byte(tag)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one frame and decodes its payload into out.
func readFrame(r io.Reader, out interface{}) (Tag, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 || length > MaxFrameBytes {
		return 0, errs.New(errs.CodeIncompatibleProtocol, "frame length out of bounds")
	}
	tag := Tag(header[4])
	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return tag, errs.Wrap(errs.CodeIncompatibleProtocol, "decoding frame payload", err)
		}
	}
	return tag, nil
}
