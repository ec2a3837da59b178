// Package app wires the context engine into a long-running server and
// manages its lifecycle.
package app

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile is where a running server records its process ID.
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, "server.pid")
}

// ReadPID reads a PID from the given file and returns it if the process is alive, or 0 otherwise.
func ReadPID(pidFile string) int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}

	if process.Signal(syscall.Signal(0)) != nil {
		return 0
	}

	return pid
}

// FindProcessPID searches for a running process by name and returns its PID, or 0 if not found.
func FindProcessPID(name string) int {
	out, err := pidofCommand(name)
	if err != nil {
		return 0
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return 0
	}

	pid, _ := strconv.Atoi(fields[0])
	return pid
}

func pidofCommand(name string) ([]byte, error) {
	return exec.Command("pgrep", "-f", name).Output()
}

// Terminate sends SIGTERM to a running server found through its PID file.
// It reports whether a process was signalled.
func Terminate(dataDir string) (bool, error) {
	pid := ReadPID(PIDFile(dataDir))
	if pid == 0 {
		return false, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return false, err
	}
	return true, nil
}
