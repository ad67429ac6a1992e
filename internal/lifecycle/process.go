// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the target process does not
	// exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrShutdownTimeout is returned when the process outlives the
	// shutdown deadline.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ProcessInfo describes a process found through a PID file.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning checks for process existence with signal 0, which
// probes without delivering anything.
func IsProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsValidatorProcess reports whether pid's command line mentions the
// given binary name. Signals go only to processes that pass this check,
// so a stale PID file can never kill an unrelated process.
func IsValidatorProcess(pid int, binaryName string) bool {
	if binaryName == "" {
		return false
	}
	cmd, err := getProcessCommand(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmd, binaryName)
}

// SendSignal delivers sig to pid.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("%w: pid %d", ErrProcessNotRunning, pid)
		}
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// SignalGroup delivers sig to pid's process group. The validator forks
// helpers, and killing only the leader leaves them orphaned.
func SignalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	return nil
}

// WaitForExit polls until pid disappears or timeout elapses.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ErrShutdownTimeout
}

// GracefulShutdown sends SIGTERM and waits for exit. When force is set
// and the deadline passes, it escalates to SIGKILL.
func GracefulShutdown(pid int, timeout time.Duration, force bool) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}

	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	err := WaitForExit(pid, timeout)
	if err == nil {
		return nil
	}
	if !force {
		return err
	}

	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process %d did not die after SIGKILL: %w", pid, err)
	}
	return nil
}

// GetProcessInfo looks up pid's liveness and command line.
func GetProcessInfo(pid int) *ProcessInfo {
	info := &ProcessInfo{
		PID:     pid,
		Running: IsProcessRunning(pid),
	}
	if info.Running {
		cmd, err := getProcessCommand(pid)
		if err != nil {
			info.Command = "<unknown>"
		} else {
			info.Command = cmd
		}
	}
	return info
}
