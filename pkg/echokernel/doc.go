// Package echokernel is a minimal kernel manager. It connects back to the
// bridge using the coordinates exported in its environment, reports ready,
// and echoes every executed command as a result. It backs cmd/echokernel and
// the end-to-end tests.
package echokernel
