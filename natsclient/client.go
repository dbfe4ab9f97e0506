// Package natsclient manages the NATS connection used by the NATS link transport.
package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/itsharex/SolidUI/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Publish and Subscribe without a live connection
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client owns one NATS connection. With reconnects disabled the connection
// closes for good on the first network failure and Closed() fires.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	subs []*nats.Subscription

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	clientName     string
	retryMaxElapse time.Duration
	retryInitial   time.Duration

	onDisconnect func(error)
	onReconnect  func()

	mu        sync.RWMutex
	closeMu   sync.Mutex
	closed    atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once
	lastErr   atomic.Value // stores errHolder
}

type errHolder struct{ err error }

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		logger:         slog.Default(),
		maxReconnects:  0,
		reconnectWait:  2 * time.Second,
		pingInterval:   30 * time.Second,
		timeout:        5 * time.Second,
		drainTimeout:   5 * time.Second,
		retryInitial:   200 * time.Millisecond,
		retryMaxElapse: 30 * time.Second,
		closedCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)
	c.lastErr.Store(errHolder{})
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the client is connected
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Closed is closed once the underlying connection is permanently closed
func (c *Client) Closed() <-chan struct{} {
	return c.closedCh
}

// LastError returns the error that caused the most recent disconnect, if any
func (c *Client) LastError() error {
	return c.lastErr.Load().(errHolder).err
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect establishes the connection, retrying with exponential backoff
// until it succeeds, the retry budget is spent or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrLinkClosed, "Client", "Connect", "connect closed client")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitial
	policy.MaxElapsedTime = c.retryMaxElapse

	attempt := 0
	op := func() error {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug("NATS connect attempt failed", "attempt", attempt, "error", err)
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", c.url, "attempts", attempt)
	return nil
}

// dial runs nats.Connect in a goroutine so ctx can abandon a slow attempt
func (c *Client) dial(ctx context.Context) (*nats.Conn, error) {
	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.buildConnectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close drains and closes the connection. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()

	var drainErr error
	if conn != nil && !conn.IsClosed() {
		drainDone := make(chan error, 1)
		go func() { drainDone <- conn.Drain() }()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(c.drainTimeout):
			drainErr = errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "Close", "drain")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain")
		}
		conn.Close()
	} else {
		c.markClosed()
	}

	c.setStatus(StatusClosed)
	return drainErr
}

// Subscribe delivers every message on subject to handler
func (c *Client) Subscribe(subject string, handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Publish publishes data to subject
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Flush waits until the server has processed everything published so far
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.lastErr.Store(errHolder{err: err})
	}
	if !c.closed.Load() {
		c.setStatus(StatusReconnecting)
	}
	c.logger.Warn("NATS disconnected", "error", err)
	if c.onDisconnect != nil {
		go c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected", "url", c.url)
	if c.onReconnect != nil {
		go c.onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusClosed)
	c.markClosed()
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closedCh) })
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}
