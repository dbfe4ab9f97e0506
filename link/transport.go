package link

import (
	"context"
)

// Transport is a duplex, message-oriented link addressed by process identity.
type Transport interface {
	// Run serves the link and delivers every inbound frame to deliver. It
	// blocks until ctx is done or Close is called (returning nil), or until
	// the underlying connection fails (returning an error wrapping
	// errors.ErrLinkClosed).
	Run(ctx context.Context, deliver func(frame []byte)) error

	// Send transmits one frame to the peer named ident
	Send(ctx context.Context, ident string, frame []byte) error

	// WaitPeer blocks until ident can receive frames
	WaitPeer(ctx context.Context, ident string) error

	// Forget drops what the transport knows about ident, so the next
	// WaitPeer blocks until a fresh instance of the peer appears.
	Forget(ident string)

	// Connected reports whether the link itself is up
	Connected() bool

	// Close shuts the link down
	Close() error
}
