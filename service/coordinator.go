package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/itsharex/SolidUI/bridge"
	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/errors"
	httpgateway "github.com/itsharex/SolidUI/gateway/http"
	"github.com/itsharex/SolidUI/health"
	"github.com/itsharex/SolidUI/link"
	"github.com/itsharex/SolidUI/metric"
	"github.com/itsharex/SolidUI/natsclient"
	"github.com/itsharex/SolidUI/supervisor"
)

const systemName = "kernelbridge"

// Coordinator runs the kernel bridge: it owns the kernel manager process,
// the messaging link, the queue bridge and the HTTP gateway, and ties their
// lifetimes together.
type Coordinator struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	kernelStdout io.Writer
	kernelStderr io.Writer

	supervisor *supervisor.Supervisor
	transport  link.Transport
	bridge     *bridge.Bridge
	gateway    *httpgateway.Gateway
	monitor    *health.Monitor

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	restarts  atomic.Int64

	// restartMu keeps restarts and shutdown from interleaving
	restartMu sync.Mutex
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics registry. A private one is created otherwise.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Coordinator) {
		c.registry = registry
	}
}

// WithTransport replaces the transport built from the link configuration
func WithTransport(t link.Transport) Option {
	return func(c *Coordinator) {
		c.transport = t
	}
}

// WithKernelOutput redirects the kernel manager's stdout and stderr
func WithKernelOutput(stdout, stderr io.Writer) Option {
	return func(c *Coordinator) {
		c.kernelStdout = stdout
		c.kernelStderr = stderr
	}
}

// New wires a coordinator for cfg. Nothing is started until Run.
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "New", "check config")
	}
	c := &Coordinator{
		cfg:     cfg,
		logger:  slog.Default(),
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = metric.NewMetricsRegistry()
	}
	c.metrics = c.registry.CoreMetrics()
	c.setStatus(StatusStopped)
	c.startTime.Store(time.Time{})

	if c.transport == nil {
		t, err := c.buildTransport()
		if err != nil {
			return nil, err
		}
		c.transport = t
	}

	supOpts := []supervisor.Option{
		supervisor.WithLogger(c.logger),
		supervisor.WithMetrics(c.metrics),
		supervisor.WithEnvFunc(c.linkEnvironment),
	}
	if c.kernelStdout != nil || c.kernelStderr != nil {
		supOpts = append(supOpts, supervisor.WithOutput(c.kernelStdout, c.kernelStderr))
	}
	c.supervisor = supervisor.New(cfg.Kernel, supOpts...)

	b, err := bridge.New(c.transport, cfg.Ident.KernelManager,
		bridge.WithLogger(c.logger),
		bridge.WithMetrics(c.registry),
		bridge.WithPollInterval(cfg.Link.PollInterval))
	if err != nil {
		return nil, errors.Wrap(err, "Coordinator", "New", "create bridge")
	}
	c.bridge = b

	c.gateway = httpgateway.NewGateway(cfg.HTTP, c.bridge, kernelControl{c},
		httpgateway.WithLogger(c.logger),
		httpgateway.WithMetrics(c.registry),
		httpgateway.WithHealth(c.Health),
		httpgateway.WithReadiness(c.Ready))

	c.monitor.Register("service", c.lifecycleHealth)
	c.monitor.Register("supervisor", c.kernelHealth)
	c.monitor.Register("bridge", c.bridge.Health)

	return c, nil
}

func (c *Coordinator) buildTransport() (link.Transport, error) {
	lc := c.cfg.Link
	switch lc.Transport {
	case config.TransportWebSocket:
		return link.NewWebSocketTransport(lc.ListenAddr, lc.Path, lc.WriteTimeout,
			link.WithWebSocketLogger(c.logger),
			link.WithWebSocketMetrics(c.metrics)), nil
	case config.TransportNATS:
		name := lc.NATS.Name
		if name == "" {
			name = systemName + "-" + c.cfg.Ident.Main
		}
		client, err := natsclient.NewClient(lc.NATS.URL,
			natsclient.WithName(name),
			natsclient.WithMaxReconnects(lc.NATS.MaxReconnects),
			natsclient.WithTimeout(lc.NATS.ConnectTimeout),
			natsclient.WithConnectRetry(200*time.Millisecond, lc.NATS.ConnectTimeout),
			natsclient.WithLogger(c.logger))
		if err != nil {
			return nil, errors.Wrap(err, "Coordinator", "buildTransport", "create NATS client")
		}
		return link.NewNATSTransport(client, lc.NATS.SubjectPrefix, c.cfg.Ident.Main, c.cfg.Ident.KernelManager,
			link.WithNATSLogger(c.logger),
			link.WithNATSMetrics(c.metrics),
			link.WithPollInterval(lc.PollInterval)), nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown link transport %q", errors.ErrInvalidConfig, lc.Transport),
			"Coordinator", "buildTransport", "select transport")
	}
}

// linkEnvironment is evaluated at each spawn, after the link listener is
// bound, so a port chosen by the OS reaches the kernel manager.
func (c *Coordinator) linkEnvironment() map[string]string {
	env := supervisor.LinkEnvironment(c.cfg)
	if c.cfg.Link.Transport != config.TransportWebSocket || c.cfg.Link.AdvertiseURL != "" {
		return env
	}
	if a, ok := c.transport.(interface{ Addr() net.Addr }); ok {
		if addr := a.Addr(); addr != nil {
			env[supervisor.EnvLinkURL] = "ws://" + addr.String() + c.cfg.Link.Path
		}
	}
	return env
}

// Run starts the kernel manager, the HTTP gateway and the link loops, and
// blocks until ctx is done or one of them fails. Shutdown is then sequenced:
// HTTP stops accepting, the link closes, the kernel manager is terminated
// and the queues are closed. Run returns nil after a ctx-initiated shutdown
// and the failing activity's error otherwise.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.compareAndSwapStatus(StatusStopped, StatusStarting) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Coordinator", "Run", "start")
	}
	c.startTime.Store(time.Now())

	// Bind the link listener first so the kernel manager learns its address
	if l, ok := c.transport.(interface{ Listen() error }); ok {
		if err := l.Listen(); err != nil {
			c.abortStart()
			return err
		}
	}

	if handle, err := c.supervisor.Start(ctx); err != nil {
		c.logger.Error("Kernel manager failed to start, continuing without it", "error", err)
	} else {
		c.logger.Info("Kernel manager started", "pid", handle.PID, "record", handle.RecordPath)
	}

	if err := c.gateway.Listen(); err != nil {
		c.cleanupKernel()
		c.abortStart()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(c.gateway.Run)
	g.Go(func() error {
		err := c.transport.Run(gctx, c.bridge.Receive)
		if err != nil && gctx.Err() != nil {
			// Closed by shutdown before or while starting
			return nil
		}
		return err
	})
	g.Go(func() error { return c.bridge.RunSender(gctx) })
	g.Go(func() error { return c.watchExits(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		c.shutdown()
		return nil
	})

	c.setStatus(StatusRunning)
	c.logger.Info("Kernel bridge running",
		"transport", c.cfg.Link.Transport,
		"link_url", c.linkEnvironment()[supervisor.EnvLinkURL],
		"http_addr", c.gateway.Addr().String())

	err := g.Wait()
	c.setStatus(StatusStopped)
	if err != nil {
		c.logger.Error("Kernel bridge stopped on error", "error", err)
		return err
	}
	c.logger.Info("Kernel bridge stopped")
	return nil
}

func (c *Coordinator) abortStart() {
	_ = c.transport.Close()
	c.bridge.Close()
	c.setStatus(StatusStopped)
}

func (c *Coordinator) shutdown() {
	c.setStatus(StatusStopping)
	c.logger.Info("Shutting down", "timeout", c.cfg.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	if err := c.gateway.Shutdown(ctx); err != nil {
		c.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("Link close failed", "error", err)
	}

	c.restartMu.Lock()
	if err := c.supervisor.Cleanup(ctx); err != nil {
		c.logger.Warn("Kernel manager cleanup failed", "error", err)
	}
	c.restartMu.Unlock()

	c.bridge.Close()
}

func (c *Coordinator) cleanupKernel() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := c.supervisor.Cleanup(ctx); err != nil {
		c.logger.Warn("Kernel manager cleanup failed", "error", err)
	}
}

// Restart replaces the kernel manager. Commands not yet delivered to the old
// kernel are failed back to callers rather than sent to the new one.
func (c *Coordinator) Restart(ctx context.Context) (supervisor.ProcessHandle, error) {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	if s := c.Status(); s == StatusStopping || s == StatusStopped {
		return supervisor.ProcessHandle{}, errors.WrapTransient(errors.ErrShuttingDown, "Coordinator", "Restart",
			"restart kernel manager")
	}

	c.bridge.ResetKernel()
	discarded := c.bridge.FailPending(bridge.ReasonRestart)

	handle, err := c.supervisor.Restart(ctx)
	if err != nil {
		c.logger.Error("Kernel manager restart failed", "error", err)
		return supervisor.ProcessHandle{}, err
	}
	c.restarts.Add(1)
	c.logger.Info("Kernel manager restarted", "pid", handle.PID, "discarded", discarded)
	return handle, nil
}

// watchExits reacts to the kernel manager exiting on its own
func (c *Coordinator) watchExits(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.supervisor.Exited():
			c.logger.Warn("Kernel manager exited", "pid", ev.PID, "error", ev.Err)
			c.bridge.KernelLost()
			if c.cfg.Kernel.RestartOnExit {
				c.restartAfterExit(ctx)
			}
		}
	}
}

func (c *Coordinator) restartAfterExit(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.Kernel.RestartBackoff):
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Kernel.RestartBackoff
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if _, ok := c.supervisor.Current(); ok {
			return nil
		}
		_, err := c.Restart(ctx)
		if errors.Is(err, errors.ErrShuttingDown) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() == nil {
		c.logger.Error("Kernel manager auto-restart abandoned", "error", err)
	}
}

// Status returns the lifecycle state
func (c *Coordinator) Status() Status {
	return c.status.Load().(Status)
}

func (c *Coordinator) setStatus(s Status) {
	c.status.Store(s)
	c.metrics.RecordServiceStatus(systemName, int(s))
}

func (c *Coordinator) compareAndSwapStatus(from, to Status) bool {
	if !c.status.CompareAndSwap(from, to) {
		return false
	}
	c.metrics.RecordServiceStatus(systemName, int(to))
	return true
}

// Bridge returns the queue bridge
func (c *Coordinator) Bridge() *bridge.Bridge {
	return c.bridge
}

// Supervisor returns the kernel manager supervisor
func (c *Coordinator) Supervisor() *supervisor.Supervisor {
	return c.supervisor
}

// HTTPAddr returns the gateway's bound address, or nil before Run binds it
func (c *Coordinator) HTTPAddr() net.Addr {
	return c.gateway.Addr()
}

// Report summarizes kernel, link and queue state for the status endpoint
func (c *Coordinator) Report() httpgateway.Status {
	in, out := c.bridge.Depths()
	report := httpgateway.Status{
		State:         c.Status().String(),
		Transport:     c.cfg.Link.Transport,
		LinkConnected: c.transport.Connected(),
		KernelReady:   c.bridge.KernelReady(),
		InboundDepth:  in,
		OutboundDepth: out,
		Restarts:      c.restarts.Load(),
	}
	if handle, ok := c.supervisor.Current(); ok {
		report.PID = handle.PID
		report.StartedAt = handle.StartedAt
	}
	return report
}

// Ready reports whether commands can currently reach a kernel manager
func (c *Coordinator) Ready() bool {
	_, active := c.supervisor.Current()
	return c.Status() == StatusRunning && active && c.transport.Connected()
}

// Health aggregates the health of every part of the bridge
func (c *Coordinator) Health() health.Status {
	status := c.monitor.AggregateHealth(systemName)
	uptime := time.Duration(0)
	if start := c.startTime.Load().(time.Time); !start.IsZero() && c.Status() == StatusRunning {
		uptime = time.Since(start)
	}
	in, out := c.bridge.Depths()
	return status.WithMetrics(&health.Metrics{
		Uptime:    uptime,
		Restarts:  c.restarts.Load(),
		QueuedIn:  in,
		QueuedOut: out,
	})
}

func (c *Coordinator) lifecycleHealth() health.Status {
	switch s := c.Status(); s {
	case StatusRunning:
		return health.NewHealthy("service", "Service operating normally")
	case StatusStarting:
		return health.NewDegraded("service", "Service is starting")
	case StatusStopping:
		return health.NewDegraded("service", "Service is stopping")
	case StatusStopped:
		return health.NewUnhealthy("service", "Service is stopped")
	default:
		return health.NewUnhealthy("service", fmt.Sprintf("Unknown status: %v", s))
	}
}

func (c *Coordinator) kernelHealth() health.Status {
	handle, ok := c.supervisor.Current()
	if !ok {
		return health.NewUnhealthy("supervisor", "no active kernel manager")
	}
	return health.NewHealthy("supervisor", fmt.Sprintf("kernel manager running as pid %d", handle.PID))
}

// kernelControl adapts the coordinator to the gateway's Kernel interface
type kernelControl struct {
	c *Coordinator
}

func (k kernelControl) Restart(ctx context.Context) (int, error) {
	handle, err := k.c.Restart(ctx)
	if err != nil {
		return 0, err
	}
	return handle.PID, nil
}

func (k kernelControl) Status() httpgateway.Status {
	return k.c.Report()
}
