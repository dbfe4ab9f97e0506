// Package service runs the kernel bridge as one unit.
//
// A Coordinator starts the kernel manager, then the HTTP gateway, then the
// messaging link loops, and runs them concurrently under an errgroup: the
// gateway's request loop, the link's read loop, the bridge's outbound sender
// and a watcher for unexpected kernel exits. The first failure, or
// cancellation of the caller's context, stops everything in a fixed order:
//
//  1. the HTTP gateway stops accepting requests and drains in-flight ones
//  2. the messaging link closes
//  3. the kernel manager and every process it spawned are terminated
//  4. the queues close
//
// Restart is serialized with shutdown. It fails back every command that
// has not reached the old kernel, then replaces the process.
package service
