// Package kernelbridge is the host side of the SolidUI kernel program: it
// supervises a kernel manager process and relays code between HTTP clients
// and that process over a messaging link.
//
// # Architecture
//
// A single process hosts four cooperating parts:
//
//	HTTP client ──► gateway/http ──► bridge (outbound queue) ──► link ──► kernel manager
//	HTTP client ◄── gateway/http ◄── bridge (inbound queue)  ◄── link ◄── kernel manager
//
//	service.Coordinator owns supervisor, link, bridge and gateway lifecycles
//
// The supervisor launches the kernel manager in its own process group,
// records its liveness file and tears the whole group down on restart or
// shutdown. The link carries JSON frames between the two idents, either over
// a WebSocket the kernel manager dials back to, or over NATS subjects.
//
// # Message Flow
//
// POST {base}/api queues a command object verbatim. A sender loop waits for
// the kernel manager to be connected and forwards each command as an execute
// envelope. Frames coming back are translated: status "ready" becomes the
// text result "Kernel is ready.", payload frames are passed through unchanged
// and everything else is dropped and counted. GET {base}/api drains every
// queued result in arrival order.
//
// POST {base}/restart replaces the kernel manager. Commands that were queued
// for the old process are not forwarded to the new one; each is answered with
// a "Command discarded" result instead.
//
// # Packages
//
//   - config: layered JSON/YAML configuration with KERNELBRIDGE_* overrides
//   - errors: classified errors and sentinels
//   - supervisor: kernel manager process lifecycle
//   - link: WebSocket and NATS transports
//   - message: envelope codec and result values
//   - bridge: inbound/outbound queues and the sender loop
//   - gateway/http: HTTP surface, health and metrics endpoints
//   - service: coordinator wiring everything together
//   - health, metric, natsclient, pkg/queue, pkg/tlsutil: supporting infrastructure
//   - pkg/echokernel: a minimal kernel manager used for development and tests
//
// # Binaries
//
//	kernelbridge -config bridge.yaml
//	echokernel   (started by kernelbridge; reads KERNELBRIDGE_* from its environment)
package kernelbridge
