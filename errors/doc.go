// Package errors implements a three-class error classification for the
// kernel bridge: Transient (temporary, safe to retry), Invalid (bad input,
// do not retry) and Fatal (the operation cannot continue).
//
// # Taxonomy
//
// The bridge's failure modes map onto sentinels:
//
//   - ErrSpawn: the kernel manager could not be launched. Fatal to Start and
//     Restart, surfaced to the caller, never fatal to the host process.
//   - ErrLinkClosed: the messaging link's connection failed. Fatal; the
//     coordinator shuts the service down.
//   - ErrMalformedMessage: an inbound frame did not decode. Invalid; the
//     frame is dropped and logged, never propagated.
//   - ErrCommandDiscarded: a queued command was dropped by a restart or a
//     failed send. Transient; reported back through the result queue.
//
// # Wrapping
//
// Errors are wrapped as "component.method: action failed: cause":
//
//	if err := cmd.Start(); err != nil {
//	    return errors.Spawn("Supervisor", "Start", err)
//	}
//
// Classification survives wrapping, so callers can branch with IsFatal,
// IsInvalid and IsTransient, or match sentinels with errors.Is.
package errors
