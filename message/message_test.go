package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/SolidUI/errors"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{
			name:  "status ready",
			frame: `{"type":"status","value":"ready"}`,
			want:  Status{Value: "ready"},
		},
		{
			name:  "status via kind key",
			frame: `{"kind":"status","value":"busy"}`,
			want:  Status{Value: "busy"},
		},
		{
			name:  "message",
			frame: `{"type":"message","value":"hello"}`,
			want:  Payload{Kind: KindMessage, Value: json.RawMessage(`"hello"`)},
		},
		{
			name:  "png keeps raw bytes",
			frame: `{"type":"image/png","value":"iVBORw0KGgo="}`,
			want:  Payload{Kind: KindImagePNG, Value: json.RawMessage(`"iVBORw0KGgo="`)},
		},
		{
			name:  "structured raw message",
			frame: `{"type":"message_raw","value":{"a": [1, 2]}}`,
			want:  Payload{Kind: KindMessageRaw, Value: json.RawMessage(`{"a": [1, 2]}`)},
		},
		{
			name:  "type wins over kind",
			frame: `{"type":"image/jpeg","kind":"status","value":"x"}`,
			want:  Payload{Kind: KindImageJPEG, Value: json.RawMessage(`"x"`)},
		},
		{
			name:  "execute",
			frame: `{"type":"execute","value":"print(1)"}`,
			want:  Execute{Code: json.RawMessage(`"print(1)"`)},
		},
		{
			name:  "unknown",
			frame: `{"type":"weird","value":1}`,
			want:  Unknown{Kind: "weird"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	frames := map[string]string{
		"not json":         `{"type":`,
		"array":            `[1,2]`,
		"no discriminator": `{"value":"x"}`,
		"empty type":       `{"type":"","value":"x"}`,
		"no value":         `{"type":"message"}`,
		"numeric type":     `{"type":3,"value":"x"}`,
		"status not text":  `{"type":"status","value":{"ready":true}}`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformedMessage)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestEncodeExecute(t *testing.T) {
	frame, err := EncodeExecute(Command{
		"command": json.RawMessage(`"print(1)"`),
		"extra":   json.RawMessage(`true`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"execute","value":"print(1)"}`, string(frame))

	frame, err = EncodeExecute(Command{"other": json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"execute","value":null}`, string(frame))
}

func TestEncode_RoundTripThroughDecode(t *testing.T) {
	frame, err := Encode(KindStatus, StatusReady)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Status{Value: StatusReady}, got)
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"command":"x = 1","meta":{"id":3}}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"x = 1"`), cmd.Code())
	assert.JSONEq(t, `{"id":3}`, string(cmd["meta"]))

	for _, body := range []string{`[1]`, `"text"`, `null`, `{`, ``} {
		_, err := DecodeCommand([]byte(body))
		require.Error(t, err, "body %q", body)
		assert.ErrorIs(t, err, errors.ErrInvalidData)
	}
}

func TestResults(t *testing.T) {
	r := TextResult(ReadyText)
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","value":"Kernel is ready."}`, string(data))

	p := Payload{Kind: KindImagePNG, Value: json.RawMessage(`"abc"`)}
	assert.Equal(t, Result{Kind: KindImagePNG, Value: json.RawMessage(`"abc"`)}, p.Result())

	r, err = NewResult(KindMessageRaw, map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(r.Value))
}

func TestKind_IsPayload(t *testing.T) {
	for _, k := range []Kind{KindMessage, KindMessageRaw, KindImagePNG, KindImageJPEG} {
		assert.True(t, k.IsPayload(), string(k))
	}
	for _, k := range []Kind{KindStatus, KindExecute, "other"} {
		assert.False(t, k.IsPayload(), string(k))
	}
}
