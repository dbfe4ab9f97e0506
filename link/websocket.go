package link

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/metric"
)

// IdentityHeader carries the connecting peer's identity
const IdentityHeader = "X-Link-Identity"

const (
	defaultPongWait = 60 * time.Second
	maxFrameSize    = 32 << 20
)

type peer struct {
	ident   string
	session string
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	// retired peers stay connected until they hang up, but no longer count
	retired atomic.Bool
}

func (p *peer) usable() bool {
	return p != nil && !p.retired.Load()
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// WebSocketTransport accepts kernel manager connections on a local listener.
// Each peer connects with its identity in the X-Link-Identity header (or the
// "ident" query parameter); a second connection for the same identity
// replaces the first.
type WebSocketTransport struct {
	addr         string
	path         string
	writeTimeout time.Duration
	pongWait     time.Duration
	logger       *slog.Logger
	metrics      *metric.Metrics

	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[string]*peer
	changed  chan struct{}
	listener net.Listener
	server   *http.Server
	deliver  func([]byte)

	running  atomic.Bool
	closed   atomic.Bool
	closedCh chan struct{}
	closeMu  sync.Once
}

// WebSocketOption configures a WebSocketTransport
type WebSocketOption func(*WebSocketTransport)

// WithWebSocketLogger sets the logger
func WithWebSocketLogger(logger *slog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithWebSocketMetrics records peer connection state
func WithWebSocketMetrics(m *metric.Metrics) WebSocketOption {
	return func(t *WebSocketTransport) { t.metrics = m }
}

// WithPongWait sets how long a silent peer is kept. Pings are sent at 9/10 of it.
func WithPongWait(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if d > 0 {
			t.pongWait = d
		}
	}
}

// NewWebSocketTransport creates a transport serving path on addr
func NewWebSocketTransport(addr, path string, writeTimeout time.Duration, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		addr:         addr,
		path:         path,
		writeTimeout: writeTimeout,
		pongWait:     defaultPongWait,
		logger:       slog.Default(),
		peers:        make(map[string]*peer),
		changed:      make(chan struct{}),
		closedCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			CheckOrigin: func(_ *http.Request) bool {
				// Peers are local processes, not browsers
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "link", "transport", "websocket")
	return t
}

// Listen binds the listener. Run calls it when it has not been called yet.
func (t *WebSocketTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return errors.Link("WebSocketTransport", "Listen", err)
	}
	t.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (t *WebSocketTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Run serves peer connections until ctx is done or Close is called
func (t *WebSocketTransport) Run(ctx context.Context, deliver func(frame []byte)) error {
	if t.closed.Load() {
		return errors.Link("WebSocketTransport", "Run", nil)
	}
	if !t.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "WebSocketTransport", "Run", "serve link")
	}
	defer t.running.Store(false)

	if err := t.Listen(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleWebSocket)

	t.mu.Lock()
	t.deliver = deliver
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := t.server
	ln := t.listener
	t.mu.Unlock()

	t.logger.Info("Link listening", "addr", ln.Addr().String(), "path", t.path)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		t.shutdown()
		<-serveErr
		return nil
	case err := <-serveErr:
		deliberate := t.closed.Load() || stderrors.Is(err, http.ErrServerClosed)
		t.shutdown()
		if deliberate {
			return nil
		}
		t.logger.Error("Link listener failed", "error", err)
		return errors.Link("WebSocketTransport", "Run", err)
	}
}

func (t *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident := r.Header.Get(IdentityHeader)
	if ident == "" {
		ident = r.URL.Query().Get("ident")
	}
	if ident == "" {
		http.Error(w, "missing link identity", http.StatusBadRequest)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("Link upgrade failed", "ident", ident, "error", err)
		return
	}

	p := &peer{
		ident:   ident,
		session: uuid.NewString(),
		conn:    conn,
		done:    make(chan struct{}),
	}
	t.register(p)
	defer t.unregister(p)

	go t.pingLoop(p)
	t.readLoop(p)
}

func (t *WebSocketTransport) register(p *peer) {
	t.mu.Lock()
	old := t.peers[p.ident]
	t.peers[p.ident] = p
	t.signalLocked()
	t.mu.Unlock()

	if old != nil {
		t.logger.Info("Link peer replaced", "ident", p.ident, "old_session", old.session, "session", p.session)
		old.close()
	} else {
		t.logger.Info("Link peer connected", "ident", p.ident, "session", p.session)
	}
	if t.metrics != nil {
		t.metrics.RecordLinkState(p.ident, true)
	}
}

func (t *WebSocketTransport) unregister(p *peer) {
	p.close()

	t.mu.Lock()
	current := t.peers[p.ident] == p
	if current {
		delete(t.peers, p.ident)
		t.signalLocked()
	}
	t.mu.Unlock()

	if current {
		t.logger.Info("Link peer disconnected", "ident", p.ident, "session", p.session)
		if t.metrics != nil {
			t.metrics.RecordLinkState(p.ident, false)
		}
	}
}

// signalLocked wakes WaitPeer callers. Callers hold t.mu.
func (t *WebSocketTransport) signalLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *WebSocketTransport) readLoop(p *peer) {
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})

	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("Link read ended", "ident", p.ident, "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(t.pongWait))
		if p.retired.Load() {
			t.logger.Debug("Dropping frame from retired peer", "ident", p.ident, "session", p.session)
			continue
		}
		if deliver != nil {
			deliver(frame)
		}
	}
}

func (t *WebSocketTransport) pingLoop(p *peer) {
	ticker := time.NewTicker(t.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
			p.writeMu.Unlock()
			if err != nil {
				p.close()
				return
			}
		}
	}
}

// Send writes one text frame to ident
func (t *WebSocketTransport) Send(ctx context.Context, ident string, frame []byte) error {
	t.mu.Lock()
	p := t.peers[ident]
	t.mu.Unlock()

	if !p.usable() {
		return errors.WrapTransient(errors.ErrPeerNotConnected, "WebSocketTransport", "Send", "send to "+ident)
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		p.close()
		return errors.WrapTransient(err, "WebSocketTransport", "Send", "send to "+ident)
	}
	return nil
}

// WaitPeer blocks until ident is connected
func (t *WebSocketTransport) WaitPeer(ctx context.Context, ident string) error {
	for {
		t.mu.Lock()
		ok := t.peers[ident].usable()
		changed := t.changed
		t.mu.Unlock()

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closedCh:
			return errors.Link("WebSocketTransport", "WaitPeer", nil)
		case <-changed:
		}
	}
}

// Forget retires ident's current connection. It stays open until the peer
// hangs up, but its frames are dropped and it no longer receives any; the
// next connection for ident replaces it.
func (t *WebSocketTransport) Forget(ident string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.peers[ident]; p != nil {
		p.retired.Store(true)
		t.logger.Debug("Link peer retired", "ident", ident, "session", p.session)
		t.signalLocked()
	}
}

// Connected reports whether the transport is serving
func (t *WebSocketTransport) Connected() bool {
	return t.running.Load() && !t.closed.Load()
}

// PeerConnected reports whether ident currently has a connection
func (t *WebSocketTransport) PeerConnected(ident string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[ident].usable()
}

// Close stops the listener and drops every peer
func (t *WebSocketTransport) Close() error {
	t.closed.Store(true)
	t.shutdown()
	return nil
}

func (t *WebSocketTransport) shutdown() {
	t.closeMu.Do(func() { close(t.closedCh) })

	t.mu.Lock()
	server := t.server
	ln := t.listener
	t.mu.Unlock()

	if server != nil {
		_ = server.Close()
	} else if ln != nil {
		_ = ln.Close()
	}
	t.closePeers()
}

func (t *WebSocketTransport) closePeers() {
	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// String describes the transport for logs
func (t *WebSocketTransport) String() string {
	return fmt.Sprintf("websocket(%s%s)", t.addr, t.path)
}
