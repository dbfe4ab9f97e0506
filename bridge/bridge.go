package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/health"
	"github.com/itsharex/SolidUI/link"
	"github.com/itsharex/SolidUI/message"
	"github.com/itsharex/SolidUI/metric"
	"github.com/itsharex/SolidUI/pkg/queue"
)

// Reasons a command is failed back to callers
const (
	ReasonRestart    = "kernel restarted"
	ReasonSendFailed = "send failed"
)

// Drop reasons recorded for inbound frames
const (
	dropMalformed  = "malformed"
	dropUnknown    = "unknown_kind"
	dropStatus     = "status"
	dropUnexpected = "unexpected_kind"
	dropClosed     = "queue_closed"
)

// Bridge couples the HTTP gateway to the messaging link through two queues:
// commands flow out to the kernel manager, results flow back in.
type Bridge struct {
	inbound  *queue.Queue[message.Result]
	outbound *queue.Queue[outboundCommand]

	transport    link.Transport
	kernelIdent  string
	pollInterval time.Duration
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	metrics      *metric.Metrics

	ready      atomic.Bool
	generation atomic.Uint64
}

// outboundCommand is a queued command stamped with the kernel generation it
// was submitted for
type outboundCommand struct {
	cmd        message.Command
	generation uint64
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics exports bridge and queue metrics through registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) {
		if registry != nil {
			b.registry = registry
			b.metrics = registry.CoreMetrics()
		}
	}
}

// WithPollInterval bounds how often a failing peer wait is retried
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// New creates a bridge sending commands to kernelIdent over transport
func New(transport link.Transport, kernelIdent string, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		transport:    transport,
		kernelIdent:  kernelIdent,
		pollInterval: 100 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")

	var err error
	if b.inbound, err = queue.New[message.Result](queue.WithMetrics(b.registry, "inbound")); err != nil {
		return nil, errors.Wrap(err, "Bridge", "New", "create inbound queue")
	}
	if b.outbound, err = queue.New[outboundCommand](queue.WithMetrics(b.registry, "outbound")); err != nil {
		return nil, errors.Wrap(err, "Bridge", "New", "create outbound queue")
	}
	return b, nil
}

// Submit queues a command for the current kernel manager. It never waits for
// the kernel.
func (b *Bridge) Submit(cmd message.Command) error {
	if err := b.outbound.Push(outboundCommand{cmd: cmd, generation: b.generation.Load()}); err != nil {
		return errors.WrapTransient(errors.ErrShuttingDown, "Bridge", "Submit", "queue command")
	}
	return nil
}

// Drain removes and returns every result received so far, oldest first
func (b *Bridge) Drain() []message.Result {
	return b.inbound.PopAll()
}

// Receive routes one inbound frame from the kernel manager. Frames that are
// malformed or of an unknown kind are dropped.
func (b *Bridge) Receive(frame []byte) {
	in, err := message.Decode(frame)
	if err != nil {
		b.drop(dropMalformed, "Dropping malformed frame", "error", err, "size", len(frame))
		return
	}

	switch in := in.(type) {
	case message.Status:
		if in.Value != message.StatusReady {
			b.drop(dropStatus, "Ignoring kernel status", "value", in.Value)
			return
		}
		b.ready.Store(true)
		b.logger.Debug("Kernel is ready")
		b.enqueue(message.TextResult(message.ReadyText))
	case message.Payload:
		b.logger.Debug("Kernel output", "type", in.Kind, "size", len(in.Value))
		b.enqueue(in.Result())
	case message.Execute:
		b.drop(dropUnexpected, "Dropping frame the bridge only sends", "type", message.KindExecute)
	case message.Unknown:
		b.drop(dropUnknown, "Dropping frame of unknown type", "type", in.Kind)
	}
}

func (b *Bridge) enqueue(r message.Result) {
	if err := b.inbound.Push(r); err != nil {
		b.drop(dropClosed, "Dropping result after shutdown", "type", r.Kind)
		return
	}
	if b.metrics != nil {
		b.metrics.RecordMessageReceived(string(r.Kind))
	}
}

func (b *Bridge) drop(reason, msg string, args ...any) {
	b.logger.Debug(msg, args...)
	if b.metrics != nil {
		b.metrics.RecordMessageDropped(reason)
	}
}

// RunSender forwards queued commands to the kernel manager in submission
// order, waiting for the kernel to be reachable before each send. A command
// that cannot be sent, or that was submitted before a kernel restart, is
// failed back to callers. Only ctx ends the loop.
func (b *Bridge) RunSender(ctx context.Context) error {
	b.logger.Info("Sender started", "peer", b.kernelIdent)
	defer b.logger.Info("Sender stopped")

	for {
		item, err := b.outbound.Pop(ctx)
		if err != nil {
			// Context done or queue closed during shutdown
			return nil
		}

		if err := b.waitPeer(ctx); err != nil {
			return nil
		}
		if b.generation.Load() != item.generation {
			b.failBack(ReasonRestart, 1)
			continue
		}

		frame, err := message.EncodeExecute(item.cmd)
		if err != nil {
			b.logger.Warn("Command encode failed", "error", err)
			b.failBack(ReasonSendFailed, 1)
			continue
		}

		if err := b.transport.Send(ctx, b.kernelIdent, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("Command send failed", "peer", b.kernelIdent, "error", err)
			b.failBack(ReasonSendFailed, 1)
			continue
		}
		if b.metrics != nil {
			b.metrics.RecordCommandSent()
		}
	}
}

// waitPeer blocks until the kernel is reachable. It returns an error only
// when ctx is done.
func (b *Bridge) waitPeer(ctx context.Context) error {
	for {
		err := b.transport.WaitPeer(ctx, b.kernelIdent)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Debug("Waiting for kernel manager", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// ResetKernel marks the kernel as replaced: readiness is cleared, the link
// forgets the old peer, and every command submitted before the reset is
// failed back by the sender instead of reaching the new kernel.
func (b *Bridge) ResetKernel() {
	b.generation.Add(1)
	b.ready.Store(false)
	b.transport.Forget(b.kernelIdent)
}

// KernelLost clears readiness after the kernel exited on its own. Queued
// commands stay queued for the next kernel.
func (b *Bridge) KernelLost() {
	b.ready.Store(false)
	b.transport.Forget(b.kernelIdent)
}

// FailPending removes every queued command and reports each one to callers
// as a discarded-command result. It returns the number of commands removed.
func (b *Bridge) FailPending(reason string) int {
	n := len(b.outbound.PopAll())
	b.failBack(reason, n)
	return n
}

func (b *Bridge) failBack(reason string, n int) {
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		b.enqueue(message.TextResult("Command discarded: " + reason))
	}
	if b.metrics != nil {
		b.metrics.RecordCommandDiscarded(reason, n)
	}
	b.logger.Warn("Commands discarded", "count", n, "reason", reason)
}

// KernelReady reports whether the current kernel has announced readiness
func (b *Bridge) KernelReady() bool {
	return b.ready.Load()
}

// Depths returns the inbound and outbound queue lengths
func (b *Bridge) Depths() (inbound, outbound int) {
	return b.inbound.Len(), b.outbound.Len()
}

// Stats is a snapshot of the bridge state
type Stats struct {
	KernelReady   bool           `json:"kernel_ready"`
	LinkConnected bool           `json:"link_connected"`
	Inbound       queue.Snapshot `json:"inbound"`
	Outbound      queue.Snapshot `json:"outbound"`
}

// Stats returns the current bridge statistics
func (b *Bridge) Stats() Stats {
	return Stats{
		KernelReady:   b.ready.Load(),
		LinkConnected: b.transport.Connected(),
		Inbound:       b.inbound.Stats(),
		Outbound:      b.outbound.Stats(),
	}
}

// Health reports the link and kernel state
func (b *Bridge) Health() health.Status {
	in, out := b.Depths()
	metrics := &health.Metrics{QueuedIn: in, QueuedOut: out}

	switch {
	case !b.transport.Connected():
		return health.NewUnhealthy("bridge", "messaging link down").WithMetrics(metrics)
	case !b.ready.Load():
		return health.NewDegraded("bridge", "waiting for kernel manager").WithMetrics(metrics)
	default:
		return health.NewHealthy("bridge", "kernel manager ready").WithMetrics(metrics)
	}
}

// Close stops both queues. Blocked senders return.
func (b *Bridge) Close() {
	b.outbound.Close()
	b.inbound.Close()
}
