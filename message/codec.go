package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/itsharex/SolidUI/errors"
)

// envelopeSchema accepts "kind" as the discriminator when "type" is absent.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "minLength": 1}
	},
	"required": ["value"],
	"anyOf": [
		{"required": ["type"]},
		{"required": ["kind"]}
	]
}`

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
})

// validateEnvelope checks frame against the envelope schema
func validateEnvelope(frame []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return errors.WrapFatal(err, "message", "validateEnvelope", "compile envelope schema")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(frame))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrMalformedMessage, err),
			"message", "validateEnvelope", "parse frame")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrMalformedMessage, strings.Join(details, "; ")),
			"message", "validateEnvelope", "validate frame")
	}
	return nil
}

// DecodeEnvelope parses and validates a raw link frame
func DecodeEnvelope(frame []byte) (Envelope, error) {
	if err := validateEnvelope(frame); err != nil {
		return Envelope{}, err
	}

	var wire struct {
		Type  string          `json:"type"`
		Kind  string          `json:"kind"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrMalformedMessage, err),
			"message", "DecodeEnvelope", "unmarshal frame")
	}

	kind := wire.Type
	if kind == "" {
		kind = wire.Kind
	}
	return Envelope{Kind: Kind(kind), Value: wire.Value}, nil
}

// Decode parses a raw link frame into its Inbound variant. Malformed frames
// return an error wrapping errors.ErrMalformedMessage; unknown kinds are not
// an error and decode to Unknown.
func Decode(frame []byte) (Inbound, error) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, err
	}

	switch {
	case env.Kind == KindStatus:
		var value string
		if err := json.Unmarshal(env.Value, &value); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: status value must be a string", errors.ErrMalformedMessage),
				"message", "Decode", "decode status")
		}
		return Status{Value: value}, nil
	case env.Kind.IsPayload():
		return Payload{Kind: env.Kind, Value: env.Value}, nil
	case env.Kind == KindExecute:
		return Execute{Code: env.Value}, nil
	default:
		return Unknown{Kind: env.Kind}, nil
	}
}

// Encode marshals an envelope of kind around value
func Encode(kind Kind, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "Encode", "marshal value")
	}
	return json.Marshal(Envelope{Kind: kind, Value: raw})
}

// EncodeExecute builds the frame sent to the kernel manager for cmd:
// {"type": "execute", "value": cmd["command"]}.
func EncodeExecute(cmd Command) ([]byte, error) {
	frame, err := json.Marshal(Envelope{Kind: KindExecute, Value: cmd.Code()})
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "EncodeExecute", "marshal command")
	}
	return frame, nil
}

// DecodeCommand parses an HTTP request body into a Command. The body must be
// a JSON object.
func DecodeCommand(body []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidData, err),
			"message", "DecodeCommand", "parse command")
	}
	if cmd == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: command must be a JSON object", errors.ErrInvalidData),
			"message", "DecodeCommand", "parse command")
	}
	return cmd, nil
}
