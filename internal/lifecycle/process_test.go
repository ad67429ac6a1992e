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
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

// unusedPID is far above any PID this test host will hand out.
const unusedPID = 999999

// startSleeper launches a short sleep child for signal tests.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	})
	return cmd
}

func TestIsProcessRunning(t *testing.T) {
	t.Run("own process is running", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Error("IsProcessRunning(self) = false, want true")
		}
	})

	t.Run("nonexistent PID is not running", func(t *testing.T) {
		if IsProcessRunning(unusedPID) {
			t.Errorf("IsProcessRunning(%d) = true, want false", unusedPID)
		}
	})

	t.Run("non-positive PID is not running", func(t *testing.T) {
		if IsProcessRunning(0) || IsProcessRunning(-1) {
			t.Error("IsProcessRunning(non-positive) = true, want false")
		}
	})
}

func TestIsValidatorProcess(t *testing.T) {
	t.Run("matches own command name", func(t *testing.T) {
		// The test binary's command line contains ".test".
		if !IsValidatorProcess(os.Getpid(), ".test") {
			t.Error("IsValidatorProcess(self, .test) = false, want true")
		}
	})

	t.Run("rejects mismatched name", func(t *testing.T) {
		if IsValidatorProcess(os.Getpid(), "definitely-not-this-binary") {
			t.Error("IsValidatorProcess(self, wrong name) = true, want false")
		}
	})

	t.Run("rejects empty name", func(t *testing.T) {
		if IsValidatorProcess(os.Getpid(), "") {
			t.Error("IsValidatorProcess(self, empty) = true, want false")
		}
	})

	t.Run("rejects dead PID", func(t *testing.T) {
		if IsValidatorProcess(unusedPID, "sleep") {
			t.Error("IsValidatorProcess(dead PID) = true, want false")
		}
	})
}

func TestSendSignal(t *testing.T) {
	t.Run("delivers signal to running process", func(t *testing.T) {
		cmd := startSleeper(t)
		if err := SendSignal(cmd.Process.Pid, syscall.SIGTERM); err != nil {
			t.Errorf("SendSignal() error = %v", err)
		}
	})

	t.Run("dead process returns ErrProcessNotRunning", func(t *testing.T) {
		err := SendSignal(unusedPID, syscall.SIGTERM)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("SendSignal() error = %v, want ErrProcessNotRunning", err)
		}
	})
}

func TestWaitForExit(t *testing.T) {
	t.Run("returns when process exits", func(t *testing.T) {
		cmd := exec.Command("sleep", "0.1")
		if err := cmd.Start(); err != nil {
			t.Skipf("cannot start test process: %v", err)
		}
		pid := cmd.Process.Pid
		go cmd.Wait()

		if err := WaitForExit(pid, 5*time.Second); err != nil {
			t.Errorf("WaitForExit() error = %v", err)
		}
	})

	t.Run("times out while process lives", func(t *testing.T) {
		cmd := startSleeper(t)
		err := WaitForExit(cmd.Process.Pid, 200*time.Millisecond)
		if err == nil {
			t.Error("WaitForExit() = nil, want timeout error")
		}
	})
}

func TestGracefulShutdown(t *testing.T) {
	t.Run("terminates with SIGTERM", func(t *testing.T) {
		cmd := startSleeper(t)
		pid := cmd.Process.Pid
		go cmd.Wait()

		if err := GracefulShutdown(pid, 5*time.Second, false); err != nil {
			t.Errorf("GracefulShutdown() error = %v", err)
		}
		if IsProcessRunning(pid) {
			t.Error("process still running after GracefulShutdown()")
		}
	})

	t.Run("dead process returns ErrProcessNotRunning", func(t *testing.T) {
		err := GracefulShutdown(unusedPID, time.Second, false)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("GracefulShutdown() error = %v, want ErrProcessNotRunning", err)
		}
	})
}

func TestGetProcessInfo(t *testing.T) {
	t.Run("reports own process", func(t *testing.T) {
		info := GetProcessInfo(os.Getpid())
		if info == nil {
			t.Fatal("GetProcessInfo(self) = nil")
		}
		if !info.Running {
			t.Error("info.Running = false, want true")
		}
		if info.PID != os.Getpid() {
			t.Errorf("info.PID = %d, want %d", info.PID, os.Getpid())
		}
		if info.Command == "" {
			t.Error("info.Command is empty")
		}
	})

	t.Run("reports dead process as not running", func(t *testing.T) {
		info := GetProcessInfo(unusedPID)
		if info == nil {
			t.Fatal("GetProcessInfo() = nil")
		}
		if info.Running {
			t.Error("info.Running = true, want false")
		}
	})
}
