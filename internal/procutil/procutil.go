// Package procutil answers one question for stale-lock recovery: is the
// process that wrote a PID still alive? A zombie counts as dead; it will
// never release anything.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether a process exists and is not a zombie. EPERM from
// the signal probe means the process exists under another user.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pidZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func pidZombie(pid int) bool {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		return pidZombieFromPS(pid)
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	// The state field follows the parenthesized comm, which may itself
	// contain parentheses.
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}
