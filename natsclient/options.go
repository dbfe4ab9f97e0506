package natsclient

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithMaxReconnects sets the maximum reconnection attempts. 0 disables
// reconnects, -1 retries forever.
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		if max < -1 {
			return fmt.Errorf("max reconnects must be >= -1, got %d", max)
		}
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the interval between server pings
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("ping interval must be positive")
		}
		c.pingInterval = d
		return nil
	}
}

// WithTimeout sets the timeout of a single connection attempt
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds Close
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithConnectRetry sets the backoff used by Connect: the first retry delay
// and the total time spent retrying before giving up.
func WithConnectRetry(initial, maxElapsed time.Duration) ClientOption {
	return func(c *Client) error {
		if initial <= 0 {
			return fmt.Errorf("initial retry interval must be positive")
		}
		c.retryInitial = initial
		c.retryMaxElapse = maxElapsed
		return nil
	}
}

// WithName sets the client name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithDisconnectCallback sets a callback invoked on disconnect
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback sets a callback invoked on reconnect
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}
