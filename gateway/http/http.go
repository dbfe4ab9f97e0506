// Package http serves the kernel bridge's HTTP surface: command submission,
// result polling, kernel restart, status, health and metrics.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/health"
	"github.com/itsharex/SolidUI/message"
	"github.com/itsharex/SolidUI/metric"
	"github.com/itsharex/SolidUI/pkg/tlsutil"
)

// Bridge queues commands for the kernel and hands back its results
type Bridge interface {
	Submit(cmd message.Command) error
	Drain() []message.Result
}

// Kernel controls the kernel manager process
type Kernel interface {
	// Restart replaces the kernel manager and returns the new PID
	Restart(ctx context.Context) (int, error)
	// Status reports the kernel and link state
	Status() Status
}

// Status is the body of the status endpoint
type Status struct {
	State         string    `json:"state"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	Transport     string    `json:"transport"`
	LinkConnected bool      `json:"link_connected"`
	KernelReady   bool      `json:"kernel_ready"`
	InboundDepth  int       `json:"inbound_depth"`
	OutboundDepth int       `json:"outbound_depth"`
	Restarts      int64     `json:"restarts"`
}

// Route patterns, also used as metric labels
const (
	routeAPI     = "/api"
	routeRestart = "/restart"
	routeStatus  = "/status"
	routeHealth  = "/health"
	routeHealthz = "/healthz"
	routeReadyz  = "/readyz"
	routeMetrics = "/metrics"
)

// Gateway is the HTTP server in front of the bridge
type Gateway struct {
	cfg    config.HTTPConfig
	bridge Bridge
	kernel Kernel

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	limiter  *rate.Limiter
	healthFn func() health.Status
	readyFn  func() bool

	server   *http.Server
	mu       sync.Mutex
	listener net.Listener
	running  atomic.Bool
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records request metrics and serves the registry on /metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		if registry != nil {
			g.registry = registry
			g.metrics = registry.CoreMetrics()
		}
	}
}

// WithHealth sets the source of the /health report
func WithHealth(fn func() health.Status) Option {
	return func(g *Gateway) {
		g.healthFn = fn
	}
}

// WithReadiness sets the source of the /readyz answer
func WithReadiness(fn func() bool) Option {
	return func(g *Gateway) {
		g.readyFn = fn
	}
}

// NewGateway creates a gateway serving cfg in front of bridge and kernel
func NewGateway(cfg config.HTTPConfig, bridge Bridge, kernel Kernel, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		bridge: bridge,
		kernel: kernel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "http-gateway")

	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}
	return g
}

// Handler returns the gateway's routes wrapped in its middleware
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	base := g.cfg.BasePath

	mux.Handle(base+routeAPI, g.instrument(routeAPI, g.handleAPI))
	mux.Handle(base+routeRestart, g.instrument(routeRestart, g.handleRestart))
	mux.Handle(base+routeStatus, g.instrument(routeStatus, g.handleStatus))
	mux.Handle(routeHealth, g.instrument(routeHealth, g.handleHealth))
	mux.Handle(routeHealthz, g.instrument(routeHealthz, g.handleHealthz))
	mux.Handle(routeReadyz, g.instrument(routeReadyz, g.handleReadyz))
	if g.registry != nil {
		mux.Handle(routeMetrics, g.registry.Handler())
	}

	return g.withRequestID(g.withCORS(mux))
}

// Listen binds the configured port. Run calls it when needed.
func (g *Gateway) Listen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return nil
	}
	tlsConfig, err := tlsutil.ServerConfig(g.cfg.TLS)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(g.cfg.Port))
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Listen", fmt.Sprintf("listen on port %d", g.cfg.Port))
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	g.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Run serves HTTP until Shutdown is called
func (g *Gateway) Run() error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Run", "serve")
	}
	if err := g.Listen(); err != nil {
		return err
	}

	g.mu.Lock()
	ln := g.listener
	g.mu.Unlock()

	g.logger.Info("HTTP gateway listening",
		"addr", ln.Addr().String(), "base_path", g.cfg.BasePath, "tls", g.cfg.TLS.Enabled)
	if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Gateway", "Run", "serve")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (g *Gateway) Shutdown(ctx context.Context) error {
	if err := g.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Gateway", "Shutdown", "graceful shutdown")
	}
	return nil
}

func (g *Gateway) handleAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.writeJSON(w, http.StatusOK, map[string][]message.Result{"results": g.bridge.Drain()})
	case http.MethodPost:
		g.handleSubmit(w, r)
	default:
		g.writeMethodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.writeError(w, http.StatusTooManyRequests, "too many commands, slow down")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds maximum size of %d bytes", g.cfg.MaxRequestSize))
			return
		}
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	cmd, err := message.DecodeCommand(body)
	if err != nil {
		g.logger.Debug("Rejected command", "error", err)
		g.writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	if err := g.bridge.Submit(cmd); err != nil {
		g.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

// restartResponse keeps the envelope the web UI expects
type restartResponse struct {
	Code    int         `json:"code"`
	Msg     string      `json:"msg"`
	Success bool        `json:"success"`
	Data    restartData `json:"data"`
}

type restartData struct {
	PID int `json:"pid"`
}

func (g *Gateway) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	// A client hanging up must not cut the old kernel's grace period short
	pid, err := g.kernel.Restart(context.WithoutCancel(r.Context()))
	if err != nil {
		g.logger.Error("Kernel restart failed", "error", err)
		g.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}

	g.writeJSON(w, http.StatusOK, restartResponse{
		Code:    0,
		Msg:     "success",
		Success: true,
		Data:    restartData{PID: pid},
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	g.writeJSON(w, http.StatusOK, g.kernel.Status())
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	if g.healthFn == nil {
		g.writeJSON(w, http.StatusOK, health.NewHealthy("kernelbridge", "running"))
		return
	}

	status := g.healthFn()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if g.readyFn != nil && !g.readyFn() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func (g *Gateway) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("Response encode failed", "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (g *Gateway) writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	g.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
}

// writeError writes the JSON error envelope
func (g *Gateway) writeError(w http.ResponseWriter, code int, msg string) {
	data, _ := json.Marshal(map[string]any{
		"error":  msg,
		"status": code,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
