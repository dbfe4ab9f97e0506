// Package bridge moves commands and results between the HTTP gateway and the
// kernel manager.
//
// Clients submit commands that are queued in order and forwarded over the
// messaging link by a single sender goroutine, each wrapped as an
// {"type":"execute"} frame. Frames coming back from the kernel are filtered:
// the "ready" status becomes a "Kernel is ready." message, output payloads
// are queued verbatim, and anything else is dropped. Clients collect queued
// results by draining them in one call.
//
// When the kernel is restarted, commands that have not reached it are not
// silently lost: each one is replaced by a
// {"type":"message","value":"Command discarded: kernel restarted"} result.
package bridge
