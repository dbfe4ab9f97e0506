//go:build linux

package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/metric"
)

// TestHelperProcess is not a real test. It is the kernel manager stand-in
// launched by the tests below through the test binary itself.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("HELPER_MODE") {
	case "sleep":
		time.Sleep(time.Hour)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
	case "spawn-child":
		child := exec.Command(os.Args[0], os.Args[1:]...)
		child.Env = append(os.Environ(), "HELPER_MODE=ignore-term")
		child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := child.Start(); err != nil {
			os.Exit(2)
		}
		_ = os.WriteFile(os.Getenv("HELPER_OUT"), []byte(strconv.Itoa(child.Process.Pid)), 0o600)
		time.Sleep(time.Hour)
	case "spawn-then-exit":
		// One child stays in the kernel manager's group, one leaves it
		var pids []string
		for _, ownGroup := range []bool{false, true} {
			child := exec.Command(os.Args[0], os.Args[1:]...)
			child.Env = append(os.Environ(), "HELPER_MODE=sleep")
			if ownGroup {
				child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			}
			if err := child.Start(); err != nil {
				os.Exit(2)
			}
			pids = append(pids, strconv.Itoa(child.Process.Pid))
		}
		_ = os.WriteFile(os.Getenv("HELPER_OUT"), []byte(strings.Join(pids, ",")), 0o600)
		time.Sleep(300 * time.Millisecond)
		os.Exit(4)
	case "env":
		out := fmt.Sprintf("%s|%s|%s",
			os.Getenv(EnvIdentMain), os.Getenv(EnvLinkURL), os.Getenv("FROM_KERNEL_ENV"))
		_ = os.WriteFile(os.Getenv("HELPER_OUT"), []byte(out), 0o600)
		time.Sleep(time.Hour)
	case "exit":
		os.Exit(3)
	}
}

func helperConfig(t *testing.T, mode string, extra map[string]string) config.KernelConfig {
	t.Helper()
	env := map[string]string{
		"GO_WANT_HELPER_PROCESS": "1",
		"HELPER_MODE":            mode,
	}
	for k, v := range extra {
		env[k] = v
	}
	return config.KernelConfig{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^TestHelperProcess$", "--"},
		Env:         env,
		PIDDir:      filepath.Join(t.TempDir(), "kernel_pids"),
		StopTimeout: 2 * time.Second,
	}
}

func newTestSupervisor(t *testing.T, cfg config.KernelConfig, opts ...Option) *Supervisor {
	t.Helper()
	opts = append([]Option{WithOutput(io.Discard, io.Discard)}, opts...)
	s := New(cfg, opts...)
	t.Cleanup(func() { _ = s.Cleanup(context.Background()) })
	return s
}

// alive reports whether pid exists and is not a zombie
func alive(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	fields := strings.Fields(stat[end+1:])
	return len(fields) > 0 && fields[0] != "Z"
}

func pidsOf(refs []procRef) []int {
	pids := make([]int, 0, len(refs))
	for _, ref := range refs {
		pids = append(pids, ref.PID)
	}
	return pids
}

func waitFile(t *testing.T, path string) string {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(path)
		return err == nil && len(data) > 0
	}, 5*time.Second, 10*time.Millisecond)
	return string(data)
}

func TestStart_WritesLivenessRecord(t *testing.T) {
	cfg := helperConfig(t, "sleep", nil)
	s := newTestSupervisor(t, cfg)

	handle, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Greater(t, handle.PID, 0)
	assert.Equal(t, filepath.Join(cfg.PIDDir, strconv.Itoa(handle.PID)+".pid"), handle.RecordPath)

	content, err := os.ReadFile(handle.RecordPath)
	require.NoError(t, err)
	assert.Equal(t, "kernel_manager", string(content))

	current, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, handle, current)
	assert.True(t, alive(handle.PID))

	require.NoError(t, s.Cleanup(context.Background()))
	_, ok = s.Current()
	assert.False(t, ok)
	assert.False(t, alive(handle.PID))

	// Stale record stays behind
	_, err = os.Stat(handle.RecordPath)
	assert.NoError(t, err)
}

func TestStart_AlreadyStarted(t *testing.T) {
	s := newTestSupervisor(t, helperConfig(t, "sleep", nil))

	first, err := s.Start(context.Background())
	require.NoError(t, err)

	_, err = s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	current, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, first.PID, current.PID)
}

func TestStart_SpawnFailure(t *testing.T) {
	cfg := helperConfig(t, "sleep", nil)
	cfg.Command = filepath.Join(t.TempDir(), "no-such-kernel")

	m := metric.NewMetrics()
	s := newTestSupervisor(t, cfg, WithMetrics(m))

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSpawn)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KernelSpawnFailures))

	_, ok := s.Current()
	assert.False(t, ok)
}

func TestStart_RecordWriteFailureKillsChild(t *testing.T) {
	cfg := helperConfig(t, "sleep", nil)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg.PIDDir = filepath.Join(blocker, "pids")

	s := newTestSupervisor(t, cfg)

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSpawn)
	assert.ErrorIs(t, err, errors.ErrLivenessWrite)

	_, ok := s.Current()
	assert.False(t, ok)
}

func TestCleanup_Idempotent(t *testing.T) {
	s := newTestSupervisor(t, helperConfig(t, "sleep", nil))

	require.NoError(t, s.Cleanup(context.Background()))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Cleanup(context.Background()))
	require.NoError(t, s.Cleanup(context.Background()))
}

func TestRestart_ReplacesProcess(t *testing.T) {
	cfg := helperConfig(t, "sleep", nil)
	m := metric.NewMetrics()
	s := newTestSupervisor(t, cfg, WithMetrics(m))

	first, err := s.Start(context.Background())
	require.NoError(t, err)

	second, err := s.Restart(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.PID, second.PID)
	assert.False(t, alive(first.PID))
	assert.True(t, alive(second.PID))

	current, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, second.PID, current.PID)

	records, err := os.ReadDir(cfg.PIDDir)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KernelRestarts))
	assert.Equal(t, float64(second.PID), testutil.ToFloat64(m.KernelPID))
}

func TestRestart_WithoutActiveProcess(t *testing.T) {
	s := newTestSupervisor(t, helperConfig(t, "sleep", nil))

	handle, err := s.Restart(context.Background())
	require.NoError(t, err)
	assert.True(t, alive(handle.PID))
}

func TestCleanup_EscalatesToKill(t *testing.T) {
	cfg := helperConfig(t, "ignore-term", nil)
	cfg.StopTimeout = 300 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	handle, err := s.Start(context.Background())
	require.NoError(t, err)

	// Give the helper time to install its signal disposition
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Cleanup(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), cfg.StopTimeout)
	assert.False(t, alive(handle.PID))
}

func TestCleanup_KillsDescendantsOutsideGroup(t *testing.T) {
	out := filepath.Join(t.TempDir(), "grandchild.pid")
	cfg := helperConfig(t, "spawn-child", map[string]string{"HELPER_OUT": out})
	cfg.StopTimeout = 300 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	handle, err := s.Start(context.Background())
	require.NoError(t, err)

	grandchild, err := strconv.Atoi(waitFile(t, out))
	require.NoError(t, err)
	require.True(t, alive(grandchild))
	assert.Contains(t, pidsOf(descendants(handle.PID)), grandchild)

	require.NoError(t, s.Cleanup(context.Background()))

	assert.False(t, alive(handle.PID))
	assert.Eventually(t, func() bool { return !alive(grandchild) }, 5*time.Second, 20*time.Millisecond)
}

func TestExited_ReportsUnexpectedExit(t *testing.T) {
	m := metric.NewMetrics()
	s := newTestSupervisor(t, helperConfig(t, "exit", nil), WithMetrics(m))

	handle, err := s.Start(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-s.Exited():
		assert.Equal(t, handle.PID, ev.PID)
		assert.Error(t, ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	_, ok := s.Current()
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KernelExits))
	assert.NoError(t, s.Cleanup(context.Background()))
}

func TestExited_TerminatesLeftoverSubtree(t *testing.T) {
	out := filepath.Join(t.TempDir(), "children.pid")
	cfg := helperConfig(t, "spawn-then-exit", map[string]string{"HELPER_OUT": out})
	cfg.StopTimeout = 500 * time.Millisecond
	s := newTestSupervisor(t, cfg)
	s.trackInterval = 20 * time.Millisecond

	handle, err := s.Start(context.Background())
	require.NoError(t, err)

	var children []int
	for _, field := range strings.Split(waitFile(t, out), ",") {
		pid, err := strconv.Atoi(field)
		require.NoError(t, err)
		children = append(children, pid)
	}
	require.Len(t, children, 2)

	select {
	case ev := <-s.Exited():
		assert.Equal(t, handle.PID, ev.PID)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	for _, pid := range children {
		pid := pid
		assert.Eventually(t, func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond,
			"child %d outlived the kernel manager", pid)
	}

	// A restart afterwards starts from a clean slate
	next, err := s.Restart(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, handle.PID, next.PID)
}

func TestLiveRefs_IgnoresReusedPID(t *testing.T) {
	self := os.Getpid()
	st, ok := readStat(self)
	require.True(t, ok)

	assert.Equal(t, []procRef{{PID: self, Start: st.start}}, liveRefs([]procRef{{PID: self, Start: st.start}}))
	assert.Empty(t, liveRefs([]procRef{{PID: self, Start: st.start + 1}}))
}

func TestExited_NotReportedForCleanup(t *testing.T) {
	s := newTestSupervisor(t, helperConfig(t, "sleep", nil))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Cleanup(context.Background()))

	select {
	case ev := <-s.Exited():
		t.Fatalf("unexpected exit event for pid %d", ev.PID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStart_ExportsLinkEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	cfg := helperConfig(t, "env", map[string]string{
		"HELPER_OUT":      out,
		"FROM_KERNEL_ENV": "yes",
	})

	bridgeCfg := config.Default()
	s := newTestSupervisor(t, cfg, WithEnv(LinkEnvironment(bridgeCfg)))

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "main|ws://127.0.0.1:5011/link|yes", waitFile(t, out))
}

func TestStart_EnvFuncEvaluatedAtSpawn(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	cfg := helperConfig(t, "env", map[string]string{"HELPER_OUT": out})

	url := "ws://unset"
	s := newTestSupervisor(t, cfg,
		WithEnv(map[string]string{EnvLinkURL: "ws://static"}),
		WithEnvFunc(func() map[string]string {
			return map[string]string{EnvLinkURL: url}
		}))

	url = "ws://127.0.0.1:40123/link"
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "|ws://127.0.0.1:40123/link|", waitFile(t, out))
}

func TestLinkEnvironment(t *testing.T) {
	cfg := config.Default()
	cfg.Link.Transport = config.TransportNATS

	env := LinkEnvironment(cfg)
	assert.Equal(t, "nats", env[EnvLinkTransport])
	assert.Equal(t, "nats://127.0.0.1:4222", env[EnvLinkURL])
	assert.Equal(t, "kernelbridge", env[EnvSubjectPrefix])
	assert.Equal(t, "kernel_manager", env[EnvIdentKernelManager])
}

func TestParentPID(t *testing.T) {
	ppid, ok := parentPID(os.Getpid())
	require.True(t, ok)
	assert.Equal(t, os.Getppid(), ppid)

	_, ok = parentPID(-1)
	assert.False(t, ok)
}
