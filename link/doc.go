// Package link implements the messaging link between the bridge and the
// kernel manager.
//
// Two transports satisfy Transport:
//
// WebSocketTransport (default) listens on a local address. The kernel
// manager dials ws://<listen_addr><path> with its identity in the
// X-Link-Identity header and exchanges one JSON envelope per text frame.
// Peer disconnects are routine (the kernel manager is restarted) and do not
// stop the transport; only a listener failure ends Run with an error.
//
// NATSTransport publishes and subscribes on <subject_prefix>.<ident>
// subjects of a NATS server. Reconnects are disabled, so losing the server
// ends Run with an error wrapping errors.ErrLinkClosed.
//
// Both transports are driven by the bridge: Run feeds inbound frames to
// Bridge.Receive and Bridge.RunSender calls WaitPeer and Send.
package link
