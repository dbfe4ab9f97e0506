//go:build unix

package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// procRef names a process by pid and start time, so a recorded pid that has
// since been reused by an unrelated process is never signalled.
type procRef struct {
	PID   int
	Start uint64
}

// setProcessGroup puts the child in its own process group so the whole
// group can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTree sends SIGTERM (or SIGKILL when force is set) to the process
// group led by pgid and to every process in tree that is still the one that
// was recorded. The group leader may already be gone; its group can outlive it.
func signalTree(pgid int, tree []procRef, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	_ = syscall.Kill(-pgid, sig)
	for _, ref := range tree {
		if st, ok := readStat(ref.PID); ok && st.start == ref.Start {
			_ = syscall.Kill(ref.PID, sig)
		}
	}
}

// liveRefs keeps the entries of tree that still refer to running processes
func liveRefs(tree []procRef) []procRef {
	var out []procRef
	for _, ref := range tree {
		if st, ok := readStat(ref.PID); ok && st.start == ref.Start && st.state != "Z" {
			out = append(out, ref)
		}
	}
	return out
}

// descendants returns every live descendant of root by walking the parent
// links in /proc. It returns nil where /proc is unavailable.
func descendants(root int) []procRef {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	children := make(map[int][]procRef)
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		st, ok := readStat(pid)
		if !ok {
			continue
		}
		children[st.ppid] = append(children[st.ppid], procRef{PID: pid, Start: st.start})
	}

	var out []procRef
	queue := []int{root}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range children[next] {
			out = append(out, child)
			queue = append(queue, child.PID)
		}
	}
	return out
}

type procStat struct {
	state string
	ppid  int
	start uint64
}

// readStat parses /proc/<pid>/stat. The command name may contain spaces and
// parentheses, so fields are counted from the last ')'.
func readStat(pid int) (procStat, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return procStat{}, false
	}

	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return procStat{}, false
	}
	// fields[0] is state (field 3), fields[19] is starttime (field 22)
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 20 {
		return procStat{}, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return procStat{}, false
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return procStat{}, false
	}
	return procStat{state: fields[0], ppid: ppid, start: start}, true
}

// groupAlive reports whether any process remains in process group pgid
func groupAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}
