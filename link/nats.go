package link

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/message"
	"github.com/itsharex/SolidUI/metric"
	"github.com/itsharex/SolidUI/natsclient"
)

// NATSTransport relays frames through a NATS server. The bridge subscribes
// to <prefix>.<self> and publishes to <prefix>.<peer>. Publishing is
// fire-and-forget, so a peer counts as reachable once a frame from it has
// arrived on the bridge subject. After Forget only a status ready frame makes
// the peer reachable again; anything a replaced peer still had in flight is
// dropped until then.
type NATSTransport struct {
	client       *natsclient.Client
	prefix       string
	self         string
	peer         string
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *metric.Metrics

	mu            sync.Mutex
	peerSeen      bool
	awaitingReady bool
	changed       chan struct{}
	deliver       func(frame []byte)
	pending       [][]byte

	subMu      sync.Mutex
	subscribed bool

	running atomic.Bool
	closed  atomic.Bool
}

// NATSOption configures a NATSTransport
type NATSOption func(*NATSTransport)

// WithNATSLogger sets the logger
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(t *NATSTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithNATSMetrics records peer state
func WithNATSMetrics(m *metric.Metrics) NATSOption {
	return func(t *NATSTransport) { t.metrics = m }
}

// WithPollInterval sets how often WaitPeer re-checks the connection
func WithPollInterval(d time.Duration) NATSOption {
	return func(t *NATSTransport) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// NewNATSTransport creates a transport for self talking to peer over client
func NewNATSTransport(client *natsclient.Client, prefix, self, peer string, opts ...NATSOption) *NATSTransport {
	t := &NATSTransport{
		client:       client,
		prefix:       prefix,
		self:         self,
		peer:         peer,
		pollInterval: 100 * time.Millisecond,
		logger:       slog.Default(),
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "link", "transport", "nats")
	return t
}

// Subject returns the subject frames for ident are published on
func (t *NATSTransport) Subject(ident string) string {
	return t.prefix + "." + ident
}

// Listen connects and subscribes to the bridge subject. Frames that arrive
// before Run are held and delivered once Run starts, so a peer announcing
// itself early is not missed.
func (t *NATSTransport) Listen() error {
	return t.subscribe(context.Background())
}

func (t *NATSTransport) subscribe(ctx context.Context) error {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if t.subscribed {
		return nil
	}

	if !t.client.IsHealthy() {
		if err := t.client.Connect(ctx); err != nil {
			return errors.Link("NATSTransport", "Listen", err)
		}
	}

	subject := t.Subject(t.self)
	err := t.client.Subscribe(subject, t.receive)
	if err != nil {
		return errors.Link("NATSTransport", "Listen", err)
	}
	if err := t.client.Flush(ctx); err != nil {
		return errors.Link("NATSTransport", "Listen", err)
	}
	t.subscribed = true
	t.logger.Info("Link subscribed", "subject", subject, "url", t.client.URL())
	return nil
}

func (t *NATSTransport) receive(frame []byte) {
	t.mu.Lock()
	if t.awaitingReady {
		if !isReadyFrame(frame) {
			t.mu.Unlock()
			t.logger.Debug("Dropped frame from replaced peer", "ident", t.peer, "bytes", len(frame))
			if t.metrics != nil {
				t.metrics.RecordMessageDropped("stale")
			}
			return
		}
		t.awaitingReady = false
	}
	t.mu.Unlock()

	t.markPeerSeen()

	t.mu.Lock()
	deliver := t.deliver
	if deliver == nil {
		t.pending = append(t.pending, frame)
	}
	t.mu.Unlock()

	if deliver != nil {
		deliver(frame)
	}
}

func isReadyFrame(frame []byte) bool {
	in, err := message.Decode(frame)
	if err != nil {
		return false
	}
	st, ok := in.(message.Status)
	return ok && st.Value == message.StatusReady
}

// Run subscribes if Listen has not, delivers held and new frames, and
// blocks until ctx is done, Close is called or the NATS connection closes.
func (t *NATSTransport) Run(ctx context.Context, deliver func(frame []byte)) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "NATSTransport", "Run", "serve link")
	}
	defer t.running.Store(false)

	if err := t.subscribe(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	// Held frames go out before any new one
	t.mu.Lock()
	for _, frame := range t.pending {
		deliver(frame)
	}
	t.pending = nil
	t.deliver = deliver
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.deliver = nil
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-t.client.Closed():
		if t.closed.Load() {
			return nil
		}
		cause := t.client.LastError()
		if cause == nil {
			cause = fmt.Errorf("nats connection closed")
		}
		t.logger.Error("Link connection lost", "error", cause)
		return errors.Link("NATSTransport", "Run", cause)
	}
}

func (t *NATSTransport) markPeerSeen() {
	t.mu.Lock()
	if t.peerSeen {
		t.mu.Unlock()
		return
	}
	t.peerSeen = true
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()

	t.logger.Info("Link peer reachable", "ident", t.peer)
	if t.metrics != nil {
		t.metrics.RecordLinkState(t.peer, true)
	}
}

// Send publishes frame on the subject of ident
func (t *NATSTransport) Send(_ context.Context, ident string, frame []byte) error {
	if err := t.client.Publish(t.Subject(ident), frame); err != nil {
		if stderrors.Is(err, natsclient.ErrNotConnected) {
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrPeerNotConnected, err),
				"NATSTransport", "Send", "send to "+ident)
		}
		return errors.WrapTransient(err, "NATSTransport", "Send", "send to "+ident)
	}
	return nil
}

// WaitPeer blocks until the connection is up and the peer has been heard from
func (t *NATSTransport) WaitPeer(ctx context.Context, ident string) error {
	if ident != t.peer {
		return errors.WrapInvalid(fmt.Errorf("unknown peer %q", ident), "NATSTransport", "WaitPeer", "wait for peer")
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if t.closed.Load() {
			return errors.Link("NATSTransport", "WaitPeer", nil)
		}

		t.mu.Lock()
		seen := t.peerSeen
		changed := t.changed
		t.mu.Unlock()

		if seen && t.client.IsHealthy() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

// Forget marks the peer unreachable until it announces status ready. Held
// frames from the previous peer are discarded.
func (t *NATSTransport) Forget(ident string) {
	if ident != t.peer {
		return
	}
	t.mu.Lock()
	t.peerSeen = false
	t.awaitingReady = true
	t.pending = nil
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.RecordLinkState(t.peer, false)
	}
}

// Connected reports whether the NATS connection is up
func (t *NATSTransport) Connected() bool {
	return t.client.IsHealthy()
}

// Close drains and closes the NATS connection
func (t *NATSTransport) Close() error {
	t.closed.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.client.Close(ctx)
}
