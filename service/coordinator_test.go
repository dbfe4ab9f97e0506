//go:build linux

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/message"
	"github.com/itsharex/SolidUI/pkg/echokernel"
)

// TestHelperKernel is not a real test. It is the kernel manager launched by
// the coordinator in the tests below.
func TestHelperKernel(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_KERNEL") != "1" {
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	switch os.Getenv("HELPER_MODE") {
	case "silent":
		<-ctx.Done()
	case "exit":
		os.Exit(3)
	default:
		cfg, err := echokernel.FromEnv(os.Getenv)
		if err != nil {
			os.Exit(2)
		}
		if err := echokernel.Run(ctx, cfg, nil); err != nil {
			os.Exit(1)
		}
	}
	os.Exit(0)
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.Link.ListenAddr = "127.0.0.1:0"
	cfg.Link.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Kernel = config.KernelConfig{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestHelperKernel$", "--"},
		Env:            map[string]string{"GO_WANT_HELPER_KERNEL": "1", "HELPER_MODE": mode},
		PIDDir:         t.TempDir(),
		StopTimeout:    2 * time.Second,
		RestartBackoff: 50 * time.Millisecond,
	}
	return cfg
}

type harness struct {
	c      *Coordinator
	cancel context.CancelFunc
	done   chan error
	base   string
}

func start(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithKernelOutput(io.Discard, io.Discard),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{c: c, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.Status() == StatusRunning && c.HTTPAddr() != nil
	}, 10*time.Second, 10*time.Millisecond)

	_, port, err := net.SplitHostPort(c.HTTPAddr().String())
	require.NoError(t, err)
	h.base = "http://127.0.0.1:" + port + cfg.HTTP.BasePath

	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err, ok := <-h.done:
		if ok {
			close(h.done)
		}
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("coordinator did not stop")
		return nil
	}
}

func (h *harness) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(h.base+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (h *harness) get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// poll drains results until want texts have been collected
func (h *harness) poll(t *testing.T, n int) []string {
	t.Helper()
	var texts []string
	require.Eventually(t, func() bool {
		_, data := h.get(t, h.base+"/api")
		var body struct {
			Results []message.Result `json:"results"`
		}
		if json.Unmarshal(data, &body) != nil {
			return false
		}
		for _, r := range body.Results {
			var s string
			if json.Unmarshal(r.Value, &s) == nil {
				texts = append(texts, s)
			}
		}
		return len(texts) >= n
	}, 10*time.Second, 20*time.Millisecond)
	return texts
}

func alive(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	stat := string(data)
	fields := strings.Fields(stat[strings.LastIndexByte(stat, ')')+1:])
	return len(fields) > 0 && fields[0] != "Z"
}

func TestCoordinator_CommandRoundTrip(t *testing.T) {
	h := start(t, testConfig(t, "echo"))

	code, body := h.post(t, "/api", `{"command":"x = 40 + 2"}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"result":"success"}`, string(body))

	texts := h.poll(t, 2)
	assert.Equal(t, []string{"Kernel is ready.", "x = 40 + 2"}, texts)
	assert.True(t, h.c.Bridge().KernelReady())
	assert.True(t, h.c.Ready())
}

func TestCoordinator_RestartReplacesKernel(t *testing.T) {
	h := start(t, testConfig(t, "echo"))
	h.poll(t, 1)

	before := h.c.Report().PID
	require.NotZero(t, before)

	code, body := h.post(t, "/restart", "")
	require.Equal(t, http.StatusOK, code, string(body))

	var resp struct {
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
		Success bool   `json:"success"`
		Data    struct {
			PID int `json:"pid"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "success", resp.Msg)
	assert.NotEqual(t, before, resp.Data.PID)
	assert.Equal(t, resp.Data.PID, h.c.Report().PID)
	assert.False(t, alive(before))

	assert.Equal(t, []string{"Kernel is ready."}, h.poll(t, 1))

	h.post(t, "/api", `{"command":"after restart"}`)
	assert.Equal(t, []string{"after restart"}, h.poll(t, 1))
	assert.Equal(t, int64(1), h.c.Report().Restarts)
}

func TestCoordinator_RestartFailsBackPendingCommands(t *testing.T) {
	h := start(t, testConfig(t, "silent"))

	h.post(t, "/api", `{"command":"a"}`)
	h.post(t, "/api", `{"command":"b"}`)

	code, _ := h.post(t, "/restart", "")
	require.Equal(t, http.StatusOK, code)

	texts := h.poll(t, 2)
	assert.Equal(t, []string{
		"Command discarded: kernel restarted",
		"Command discarded: kernel restarted",
	}, texts)
}

func TestCoordinator_ShutdownTerminatesKernel(t *testing.T) {
	h := start(t, testConfig(t, "echo"))
	pid := h.c.Report().PID
	require.True(t, alive(pid))

	require.NoError(t, h.stop(t))

	assert.Equal(t, StatusStopped, h.c.Status())
	assert.False(t, alive(pid))
	_, active := h.c.Supervisor().Current()
	assert.False(t, active)
}

func TestCoordinator_SpawnFailureKeepsServing(t *testing.T) {
	cfg := testConfig(t, "echo")
	cfg.Kernel.Command = "/nonexistent/kernel-manager"
	h := start(t, cfg)

	code, _ := h.get(t, strings.TrimSuffix(h.base, cfg.HTTP.BasePath)+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body := h.post(t, "/restart", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, string(body), "kernel manager failed to start")

	code, _ = h.post(t, "/api", `{"command":"queued"}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestCoordinator_RestartOnExit(t *testing.T) {
	cfg := testConfig(t, "exit")
	cfg.Kernel.RestartOnExit = true
	h := start(t, cfg)

	assert.Eventually(t, func() bool {
		return h.c.Report().Restarts >= 2
	}, 10*time.Second, 20*time.Millisecond)
}

func TestCoordinator_StatusEndpoint(t *testing.T) {
	h := start(t, testConfig(t, "echo"))
	h.poll(t, 1)

	code, body := h.get(t, h.base+"/status")
	require.Equal(t, http.StatusOK, code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "running", status["state"])
	assert.Equal(t, "websocket", status["transport"])
	assert.Equal(t, true, status["kernel_ready"])
	assert.Equal(t, float64(h.c.Report().PID), status["pid"])
}

// failingTransport serves until fail is closed, then reports the link lost
type failingTransport struct {
	fail   chan struct{}
	closed atomic.Bool
}

func (f *failingTransport) Run(ctx context.Context, _ func([]byte)) error {
	select {
	case <-ctx.Done():
		return nil
	case <-f.fail:
		return errors.Link("failingTransport", "Run", io.ErrUnexpectedEOF)
	}
}

func (f *failingTransport) Send(context.Context, string, []byte) error { return nil }

func (f *failingTransport) WaitPeer(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *failingTransport) Forget(string) {}

func (f *failingTransport) Connected() bool { return !f.closed.Load() }

func (f *failingTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func TestCoordinator_LinkFailureStopsRun(t *testing.T) {
	tr := &failingTransport{fail: make(chan struct{})}
	h := start(t, testConfig(t, "silent"), WithTransport(tr))

	handle, ok := h.c.Supervisor().Current()
	require.True(t, ok)
	require.True(t, alive(handle.PID))

	close(tr.fail)

	select {
	case err := <-h.done:
		close(h.done)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrLinkClosed)
		assert.True(t, errors.IsFatal(err))
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after link failure")
	}

	assert.Equal(t, StatusStopped, h.c.Status())
	assert.True(t, tr.closed.Load())
	assert.Eventually(t, func() bool { return !alive(handle.PID) }, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_RunTwice(t *testing.T) {
	h := start(t, testConfig(t, "silent"))

	err := h.c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyStarted))
}

func TestNew_UnknownTransport(t *testing.T) {
	cfg := testConfig(t, "echo")
	cfg.Link.Transport = "smoke-signals"

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "stopping", StatusStopping.String())
	assert.Equal(t, "unknown", Status(42).String())
}
