// Package supervisor launches and stops the kernel manager process.
//
// The Supervisor owns at most one child process. Start launches the
// configured command in its own process group with stdin detached and
// stdout/stderr inherited, then writes a liveness record
// "<pid_dir>/<pid>.pid" containing "kernel_manager". Link coordinates reach
// the child only through KERNELBRIDGE_* environment variables.
//
// Cleanup sends SIGTERM to the process group and to every descendant found
// under /proc, waits up to kernel.stop_timeout, then sends SIGKILL. It is
// idempotent. Restart performs Cleanup and Start under one lock, so Current
// never reports a half-restarted state.
//
// Exits not caused by Cleanup are reported on Exited.
package supervisor
