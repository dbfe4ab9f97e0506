//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

type procRef struct {
	PID   int
	Start uint64
}

func setProcessGroup(*exec.Cmd) {}

// signalTree can only reach the direct child on this platform.
func signalTree(pgid int, _ []procRef, _ bool) {
	if p, err := os.FindProcess(pgid); err == nil {
		_ = p.Kill()
	}
}

func liveRefs([]procRef) []procRef { return nil }

func descendants(int) []procRef { return nil }

func groupAlive(int) bool { return false }
