// Package message defines the frames exchanged between the bridge and the
// kernel manager, and the values held by the bridge queues.
//
// Every link frame is a JSON envelope:
//
//	{"type": "<kind>", "value": <payload>}
//
// Frames from older kernel managers may use "kind" in place of "type".
// Decode validates a frame against the envelope schema and returns one of
// the Inbound variants:
//
//	switch in := in.(type) {
//	case message.Status:   // {"type":"status","value":"ready"}
//	case message.Payload:  // message, message_raw, image/png, image/jpeg
//	case message.Execute:  // only meaningful on the kernel side
//	case message.Unknown:  // anything else
//	}
//
// Payload values are carried as json.RawMessage and never re-encoded, so
// kernel output reaches HTTP clients byte for byte.
//
// Commands are arbitrary JSON objects submitted over HTTP. Only their
// "command" field is transmitted, wrapped as {"type":"execute","value":...}.
package message
