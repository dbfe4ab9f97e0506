package echokernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/link"
	"github.com/itsharex/SolidUI/message"
	"github.com/itsharex/SolidUI/natsclient"
	"github.com/itsharex/SolidUI/supervisor"
)

// Config tells the kernel how to reach the bridge
type Config struct {
	Transport     string
	URL           string
	SubjectPrefix string
	Ident         string
	Peer          string

	// DialTimeout bounds how long a connection attempt keeps retrying
	DialTimeout time.Duration
}

// FromEnv reads the coordinates the bridge exports to its kernel manager
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Transport:     getenv(supervisor.EnvLinkTransport),
		URL:           getenv(supervisor.EnvLinkURL),
		SubjectPrefix: getenv(supervisor.EnvSubjectPrefix),
		Ident:         getenv(supervisor.EnvIdentKernelManager),
		Peer:          getenv(supervisor.EnvIdentMain),
		DialTimeout:   30 * time.Second,
	}
	if cfg.Transport == "" {
		cfg.Transport = config.TransportWebSocket
	}
	if cfg.Ident == "" {
		cfg.Ident = "kernel_manager"
	}
	if cfg.Peer == "" {
		cfg.Peer = "main"
	}
	if cfg.Transport == config.TransportNATS {
		if nats := getenv(supervisor.EnvNATSURL); nats != "" {
			cfg.URL = nats
		}
		if cfg.SubjectPrefix == "" {
			cfg.SubjectPrefix = "kernelbridge"
		}
	}
	if cfg.URL == "" {
		return cfg, errors.WrapInvalid(errors.ErrMissingConfig, "echokernel", "FromEnv",
			"read "+supervisor.EnvLinkURL)
	}
	return cfg, nil
}

// Run connects to the bridge, announces readiness and answers every execute
// frame until ctx is done.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "echokernel", "transport", cfg.Transport)

	switch cfg.Transport {
	case config.TransportWebSocket:
		return runWebSocket(ctx, cfg, logger)
	case config.TransportNATS:
		return runNATS(ctx, cfg, logger)
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: unknown transport %q", errors.ErrInvalidConfig, cfg.Transport),
			"echokernel", "Run", "select transport")
	}
}

// Reply builds the answer to one execute frame. String code is echoed as a
// message; anything else comes back verbatim as message_raw.
func Reply(code json.RawMessage) ([]byte, error) {
	var text string
	if err := json.Unmarshal(code, &text); err == nil {
		return message.Encode(message.KindMessage, text)
	}
	return json.Marshal(message.Envelope{Kind: message.KindMessageRaw, Value: code})
}

// handle answers one inbound frame, returning nil when no reply is due
func handle(frame []byte, logger *slog.Logger) []byte {
	in, err := message.Decode(frame)
	if err != nil {
		logger.Debug("Ignoring malformed frame", "error", err)
		return nil
	}
	exec, ok := in.(message.Execute)
	if !ok {
		return nil
	}
	reply, err := Reply(exec.Code)
	if err != nil {
		logger.Warn("Reply encode failed", "error", err)
		return nil
	}
	return reply
}

func readyFrame() []byte {
	frame, _ := message.Encode(message.KindStatus, message.StatusReady)
	return frame
}

func newBackOff(ctx context.Context, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.WithContext(b, ctx)
}

func runWebSocket(ctx context.Context, cfg Config, logger *slog.Logger) error {
	header := http.Header{}
	header.Set(link.IdentityHeader, cfg.Ident)

	for {
		var conn *websocket.Conn
		dial := func() error {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		if err := backoff.Retry(dial, newBackOff(ctx, cfg.DialTimeout)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Link("echokernel", "runWebSocket", err)
		}

		logger.Info("Connected to bridge", "url", cfg.URL)
		err := serveWebSocket(ctx, conn, logger)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("Bridge connection lost, reconnecting", "error", err)
	}
}

func serveWebSocket(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, readyFrame()); err != nil {
		return err
	}
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if reply := handle(frame, logger); reply != nil {
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return err
			}
		}
	}
}

func runNATS(ctx context.Context, cfg Config, logger *slog.Logger) error {
	client, err := natsclient.NewClient(cfg.URL,
		natsclient.WithName(cfg.Ident),
		natsclient.WithLogger(logger),
		natsclient.WithConnectRetry(100*time.Millisecond, cfg.DialTimeout))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	if err := client.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Link("echokernel", "runNATS", err)
	}

	outbox := cfg.SubjectPrefix + "." + cfg.Peer
	inbox := cfg.SubjectPrefix + "." + cfg.Ident
	err = client.Subscribe(inbox, func(frame []byte) {
		if reply := handle(frame, logger); reply != nil {
			if err := client.Publish(outbox, reply); err != nil {
				logger.Warn("Reply publish failed", "error", err)
			}
		}
	})
	if err != nil {
		return errors.Link("echokernel", "runNATS", err)
	}
	if err := client.Flush(ctx); err != nil && ctx.Err() == nil {
		return errors.Link("echokernel", "runNATS", err)
	}
	if err := client.Publish(outbox, readyFrame()); err != nil {
		return errors.Link("echokernel", "runNATS", err)
	}
	logger.Info("Connected to bridge", "url", cfg.URL, "subject", inbox)

	select {
	case <-ctx.Done():
		return nil
	case <-client.Closed():
		return errors.Link("echokernel", "runNATS", client.LastError())
	}
}
