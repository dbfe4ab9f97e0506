package message

import (
	"encoding/json"
)

// Kind is the discriminator of a link envelope
type Kind string

// Kinds exchanged with the kernel manager
const (
	KindStatus     Kind = "status"
	KindMessage    Kind = "message"
	KindMessageRaw Kind = "message_raw"
	KindImagePNG   Kind = "image/png"
	KindImageJPEG  Kind = "image/jpeg"
	KindExecute    Kind = "execute"
)

// StatusReady is the status value a kernel manager sends once it can execute code
const StatusReady = "ready"

// ReadyText is the result text queued when the kernel reports ready
const ReadyText = "Kernel is ready."

// IsPayload reports whether k is forwarded verbatim to HTTP clients
func (k Kind) IsPayload() bool {
	switch k {
	case KindMessage, KindMessageRaw, KindImagePNG, KindImageJPEG:
		return true
	default:
		return false
	}
}

// Envelope is the wire form of every link frame: {"type": kind, "value": payload}.
type Envelope struct {
	Kind  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Result is an entry of the inbound queue, returned to HTTP clients as-is.
// Value holds the kernel's payload bytes unmodified.
type Result = Envelope

// NewResult builds a result whose value is the JSON encoding of value
func NewResult(kind Kind, value any) (Result, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: kind, Value: raw}, nil
}

// TextResult builds a "message" result carrying text
func TextResult(text string) Result {
	raw, _ := json.Marshal(text)
	return Result{Kind: KindMessage, Value: raw}
}

// Command is a client-submitted command: the POSTed JSON object, verbatim.
type Command map[string]json.RawMessage

// Code returns the "command" field, or JSON null when it is absent
func (c Command) Code() json.RawMessage {
	if code, ok := c["command"]; ok && len(code) > 0 {
		return code
	}
	return json.RawMessage("null")
}

// Inbound is a decoded frame from the kernel manager. It is one of Status,
// Payload, Execute or Unknown.
type Inbound interface {
	inbound()
}

// Status carries a kernel status report such as "ready"
type Status struct {
	Value string
}

// Payload carries output that is forwarded to HTTP clients verbatim
type Payload struct {
	Kind  Kind
	Value json.RawMessage
}

// Execute is a command frame. The bridge only sends these; a kernel manager receives them.
type Execute struct {
	Code json.RawMessage
}

// Unknown is a frame with an unrecognized kind
type Unknown struct {
	Kind Kind
}

func (Status) inbound()  {}
func (Payload) inbound() {}
func (Execute) inbound() {}
func (Unknown) inbound() {}

// Result converts a payload into an inbound queue entry
func (p Payload) Result() Result {
	return Result{Kind: p.Kind, Value: p.Value}
}
