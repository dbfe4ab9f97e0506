package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/errors"
	"github.com/itsharex/SolidUI/metric"
)

// RecordContent is written into every liveness record
const RecordContent = "kernel_manager"

// ProcessHandle describes the active kernel manager process. Handles are
// value snapshots; only the Supervisor mutates the active process.
type ProcessHandle struct {
	PID        int       `json:"pid"`
	RecordPath string    `json:"record_path"`
	StartedAt  time.Time `json:"started_at"`
}

// ExitEvent reports a kernel manager exit that was not requested by Cleanup
type ExitEvent struct {
	PID int
	Err error
	At  time.Time
}

type process struct {
	cmd      *exec.Cmd
	handle   ProcessHandle
	done     chan struct{}
	waitErr  error
	stopping atomic.Bool

	treeMu sync.Mutex
	tree   []procRef
}

// record adds descendants seen while the process was alive. Children that
// outlive it are reparented and can no longer be found from its pid.
func (p *process) record(refs []procRef) {
	p.treeMu.Lock()
	p.tree = mergeRefs(p.tree, refs)
	p.treeMu.Unlock()
}

func (p *process) tracked() []procRef {
	p.treeMu.Lock()
	defer p.treeMu.Unlock()
	return append([]procRef(nil), p.tree...)
}

// Supervisor owns the kernel manager process. At most one process is active
// at a time; Start, Cleanup and Restart are serialized by a lifecycle mutex.
type Supervisor struct {
	cfg     config.KernelConfig
	env     map[string]string
	envFunc func() map[string]string
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
	metrics *metric.Metrics

	// trackInterval is how often the kernel manager's subtree is recorded
	trackInterval time.Duration

	mu     sync.Mutex
	active *process
	exited chan ExitEvent
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records kernel lifecycle metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEnv adds environment variables to the kernel manager's environment.
// They take precedence over the inherited environment and kernel.env.
func WithEnv(env map[string]string) Option {
	return func(s *Supervisor) {
		for k, v := range env {
			s.env[k] = v
		}
	}
}

// WithEnvFunc adds environment variables computed at each spawn. They take
// precedence over WithEnv.
func WithEnvFunc(fn func() map[string]string) Option {
	return func(s *Supervisor) { s.envFunc = fn }
}

// WithOutput redirects the kernel manager's stdout and stderr.
// By default both are inherited from the bridge.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Supervisor) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// New creates a supervisor for the kernel manager described by cfg
func New(cfg config.KernelConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		env:    make(map[string]string),
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: slog.Default(),
		exited: make(chan ExitEvent, 8),

		trackInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Start launches the kernel manager and writes its liveness record.
func (s *Supervisor) Start(ctx context.Context) (ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return ProcessHandle{}, errors.WrapInvalid(errors.ErrAlreadyStarted, "Supervisor", "Start",
			fmt.Sprintf("start while pid %d is active", s.active.handle.PID))
	}
	return s.startLocked(ctx, "Start")
}

// Cleanup terminates the active kernel manager and every process it spawned.
// It is a no-op when no process is active. The liveness record is left behind.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(ctx)
}

// Restart cleans up the active kernel manager and starts a new one. Other
// callers never observe the state between the two steps.
func (s *Supervisor) Restart(ctx context.Context) (ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cleanupLocked(ctx); err != nil {
		return ProcessHandle{}, errors.Wrap(err, "Supervisor", "Restart", "cleanup previous kernel manager")
	}

	handle, err := s.startLocked(ctx, "Restart")
	if err != nil {
		return ProcessHandle{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordRestart()
	}
	return handle, nil
}

// Current returns the active process handle, if any
func (s *Supervisor) Current() (ProcessHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ProcessHandle{}, false
	}
	return s.active.handle, true
}

// Exited delivers unexpected kernel manager exits. Events are dropped when
// nobody drains the channel.
func (s *Supervisor) Exited() <-chan ExitEvent {
	return s.exited
}

func (s *Supervisor) startLocked(ctx context.Context, method string) (ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return ProcessHandle{}, errors.Wrap(err, "Supervisor", method, "start kernel manager")
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = s.environ()
	cmd.Stdin = nil
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		s.recordSpawnFailure()
		s.logger.Error("Kernel manager launch failed", "command", s.cfg.Command, "error", err)
		return ProcessHandle{}, errors.Spawn("Supervisor", method, err)
	}

	p := &process{
		cmd:  cmd,
		done: make(chan struct{}),
		handle: ProcessHandle{
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
		},
	}
	go s.wait(p)
	go s.track(p)

	recordPath, err := s.writeRecord(p.handle.PID)
	if err != nil {
		p.stopping.Store(true)
		_ = s.terminate(ctx, p)
		s.recordSpawnFailure()
		s.logger.Error("Liveness record write failed", "pid", p.handle.PID, "error", err)
		return ProcessHandle{}, errors.Spawn("Supervisor", method, err)
	}
	p.handle.RecordPath = recordPath

	s.active = p
	if s.metrics != nil {
		s.metrics.RecordKernelStarted(p.handle.PID)
	}
	s.logger.Info("Kernel manager started", "pid", p.handle.PID, "record", recordPath)
	return p.handle, nil
}

func (s *Supervisor) cleanupLocked(ctx context.Context) error {
	p := s.active
	if p == nil {
		return nil
	}

	p.stopping.Store(true)
	err := s.terminate(ctx, p)
	s.active = nil
	if s.metrics != nil {
		s.metrics.RecordKernelStopped()
	}
	if err != nil {
		s.logger.Warn("Kernel manager did not exit after SIGKILL", "pid", p.handle.PID, "error", err)
		return err
	}
	s.logger.Info("Kernel manager stopped", "pid", p.handle.PID)
	return nil
}

// terminate signals the process group and every descendant with SIGTERM,
// escalates to SIGKILL after the stop timeout and waits for the child to be
// reaped.
func (s *Supervisor) terminate(ctx context.Context, p *process) error {
	pid := p.handle.PID
	tree := mergeRefs(liveRefs(p.tracked()), descendants(pid))

	s.logger.Debug("Terminating kernel manager", "pid", pid, "descendants", len(tree))
	signalTree(pid, tree, false)

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		s.logger.Warn("Kernel manager ignored SIGTERM, killing", "pid", pid, "timeout", s.cfg.StopTimeout)
	case <-ctx.Done():
	}

	// Descendants in other process groups survive the group signal, so the
	// tree collected before SIGTERM plus anything spawned since is killed.
	tree = mergeRefs(tree, descendants(pid))
	signalTree(pid, tree, true)

	reap := time.NewTimer(s.cfg.StopTimeout)
	defer reap.Stop()
	select {
	case <-p.done:
		return nil
	case <-reap.C:
		return errors.WrapTransient(fmt.Errorf("pid %d still running", pid), "Supervisor", "terminate", "kill kernel manager")
	}
}

func (s *Supervisor) wait(p *process) {
	p.waitErr = p.cmd.Wait()
	close(p.done)

	if p.stopping.Load() {
		return
	}

	s.mu.Lock()
	current := s.active == p
	if current {
		s.active = nil
		s.reapOrphans(p)
	}
	s.mu.Unlock()
	if !current {
		return
	}

	if s.metrics != nil {
		s.metrics.RecordKernelExit()
	}
	s.logger.Warn("Kernel manager exited unexpectedly", "pid", p.handle.PID, "error", p.waitErr)

	select {
	case s.exited <- ExitEvent{PID: p.handle.PID, Err: p.waitErr, At: time.Now()}:
	default:
		s.logger.Debug("Exit event dropped, no listener", "pid", p.handle.PID)
	}
}

// track records the subtree of p until it exits
func (s *Supervisor) track(p *process) {
	ticker := time.NewTicker(s.trackInterval)
	defer ticker.Stop()
	for {
		p.record(descendants(p.handle.PID))
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

// reapOrphans terminates what an exited kernel manager left behind: its
// process group and every recorded descendant still running. Called with
// s.mu held so no new kernel manager starts meanwhile.
func (s *Supervisor) reapOrphans(p *process) {
	pid := p.handle.PID
	tree := liveRefs(p.tracked())
	if !groupAlive(pid) && len(tree) == 0 {
		return
	}

	s.logger.Warn("Terminating processes left by exited kernel manager", "pid", pid, "descendants", len(tree))
	signalTree(pid, tree, false)

	deadline := time.Now().Add(s.cfg.StopTimeout)
	for time.Now().Before(deadline) {
		if !groupAlive(pid) && len(liveRefs(tree)) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	signalTree(pid, liveRefs(tree), true)
}

func (s *Supervisor) writeRecord(pid int) (string, error) {
	if err := os.MkdirAll(s.cfg.PIDDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", errors.ErrLivenessWrite, err)
	}
	path := filepath.Join(s.cfg.PIDDir, strconv.Itoa(pid)+".pid")
	if err := os.WriteFile(path, []byte(RecordContent), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", errors.ErrLivenessWrite, err)
	}
	return path, nil
}

func (s *Supervisor) environ() []string {
	merged := make(map[string]string, len(s.cfg.Env)+len(s.env))
	for k, v := range s.cfg.Env {
		merged[k] = v
	}
	for k, v := range s.env {
		merged[k] = v
	}
	if s.envFunc != nil {
		for k, v := range s.envFunc() {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (s *Supervisor) recordSpawnFailure() {
	if s.metrics != nil {
		s.metrics.RecordSpawnFailure()
	}
}

func mergeRefs(a, b []procRef) []procRef {
	seen := make(map[procRef]struct{}, len(a)+len(b))
	out := make([]procRef, 0, len(a)+len(b))
	for _, list := range [][]procRef{a, b} {
		for _, ref := range list {
			if _, ok := seen[ref]; !ok {
				seen[ref] = struct{}{}
				out = append(out, ref)
			}
		}
	}
	return out
}
