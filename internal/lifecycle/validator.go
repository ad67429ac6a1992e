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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DefaultRPCPort is the port the sandbox validator serves JSON-RPC on.
const DefaultRPCPort = 8899

// ValidatorConfig describes how to launch the forked-ledger validator.
type ValidatorConfig struct {
	// Binary is the validator executable, found on PATH when relative.
	Binary string

	// Port is the JSON-RPC port the validator listens on.
	Port int

	// LogPath receives the validator's combined stdout and stderr.
	LogPath string

	// PIDPath is where the child PID is recorded for orphan cleanup.
	PIDPath string

	// StartupTimeout bounds the readiness wait.
	StartupTimeout time.Duration

	// ShutdownTimeout bounds the SIGTERM grace period before SIGKILL.
	ShutdownTimeout time.Duration

	// ExtraArgs are appended to the fixed launch arguments.
	ExtraArgs []string

	// Env entries are appended to the inherited environment.
	Env []string
}

// DefaultValidatorConfig returns the launch parameters used unless a
// config file overrides them.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Binary:          "surfpool",
		Port:            DefaultRPCPort,
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *ValidatorConfig) applyDefaults() {
	if c.Binary == "" {
		c.Binary = "surfpool"
	}
	if c.Port == 0 {
		c.Port = DefaultRPCPort
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	stateDir := filepath.Join(os.TempDir(), "flowbench")
	if c.LogPath == "" {
		c.LogPath = filepath.Join(stateDir, "validator.log")
	}
	if c.PIDPath == "" {
		c.PIDPath = filepath.Join(stateDir, "validator.pid")
	}
}

// args returns the full launch argument list. The fixed prefix keeps
// every run launched with identical parameters.
func (c *ValidatorConfig) args() []string {
	args := []string{"start", "--no-tui", "--debug"}
	return append(args, c.ExtraArgs...)
}

// Validator is an owned child process running the sandbox validator.
// One environment instance owns exactly one Validator.
type Validator struct {
	config ValidatorConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	logFile *os.File
	pidFile *PIDFile
	done    chan struct{}
	exitErr error
	exited  bool
	stopped bool
}

// NewValidator creates an unstarted validator.
func NewValidator(config ValidatorConfig, logger *slog.Logger) *Validator {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{config: config, logger: logger}
}

// RPCURL returns the validator's JSON-RPC endpoint.
func (v *Validator) RPCURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", v.config.Port)
}

// Pid returns the child PID, or zero before Start.
func (v *Validator) Pid() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cmd == nil || v.cmd.Process == nil {
		return 0
	}
	return v.cmd.Process.Pid
}

// Start reaps any orphaned validator from a previous run, launches the
// child in its own process group, and polls the probe until ready. On
// readiness failure the child is stopped before returning; a validator
// that never answered must not be left running.
func (v *Validator) Start(ctx context.Context, probe ReadinessProbe) error {
	v.mu.Lock()
	if v.cmd != nil {
		v.mu.Unlock()
		return fmt.Errorf("validator already started")
	}
	v.mu.Unlock()

	if err := v.reapOrphan(); err != nil {
		return err
	}
	if err := portAvailable(v.config.Port); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.config.LogPath), 0700); err != nil {
		return fmt.Errorf("failed to create validator log directory: %w", err)
	}
	logFile, err := os.OpenFile(v.config.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open validator log: %w", err)
	}

	cmd := exec.Command(v.config.Binary, v.config.args()...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	if len(v.config.Env) > 0 {
		cmd.Env = append(os.Environ(), v.config.Env...)
	}
	// Own process group so shutdown reaches any helpers the validator
	// forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start validator %s: %w", v.config.Binary, err)
	}
	pid := cmd.Process.Pid
	v.logger.Info("validator started", "binary", v.config.Binary, "pid", pid, "rpc_url", v.RPCURL())

	pidFile := NewPIDFile(v.config.PIDPath)
	if err := pidFile.Create(pid); err != nil {
		SignalGroup(pid, syscall.SIGKILL)
		cmd.Wait()
		logFile.Close()
		return fmt.Errorf("failed to record validator PID: %w", err)
	}

	done := make(chan struct{})
	v.mu.Lock()
	v.cmd = cmd
	v.logFile = logFile
	v.pidFile = pidFile
	v.done = done
	v.mu.Unlock()

	go func() {
		err := cmd.Wait()
		v.mu.Lock()
		v.exited = true
		v.exitErr = err
		v.mu.Unlock()
		close(done)
	}()

	readyCtx, cancel := context.WithTimeout(ctx, v.config.StartupTimeout)
	defer cancel()
	if err := NewReadinessPoller(probe).WaitUntilReady(readyCtx); err != nil {
		if exited, exitErr := v.exitState(); exited {
			v.Stop()
			return fmt.Errorf("validator exited during startup (see %s): %v", v.config.LogPath, exitErr)
		}
		v.Stop()
		return fmt.Errorf("validator not ready within %v: %w", v.config.StartupTimeout, err)
	}

	v.logger.Info("validator ready", "pid", pid)
	return nil
}

// Running reports whether the child was started and has not exited.
func (v *Validator) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cmd != nil && !v.exited
}

// Exited returns a channel closed when the child exits, and nil before
// Start. Watching it distinguishes a crashed validator from a failing
// transaction.
func (v *Validator) Exited() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.done
}

// ExitErr returns the child's exit error once it has exited.
func (v *Validator) ExitErr() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exitErr
}

func (v *Validator) exitState() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.exited, v.exitErr
}

// Stop terminates the child and releases the PID file and log handle.
// It is idempotent and safe to call on every exit path, including before
// Start.
func (v *Validator) Stop() error {
	v.mu.Lock()
	if v.cmd == nil || v.stopped {
		v.mu.Unlock()
		return nil
	}
	v.stopped = true
	pid := v.cmd.Process.Pid
	done := v.done
	exited := v.exited
	logFile := v.logFile
	pidFile := v.pidFile
	v.mu.Unlock()

	var shutdownErr error
	if !exited {
		v.logger.Info("stopping validator", "pid", pid)
		if err := SignalGroup(pid, syscall.SIGTERM); err != nil {
			// Group may already be gone; try the process directly.
			SendSignal(pid, syscall.SIGTERM)
		}
		select {
		case <-done:
		case <-time.After(v.config.ShutdownTimeout):
			v.logger.Warn("validator ignored SIGTERM, escalating", "pid", pid)
			SignalGroup(pid, syscall.SIGKILL)
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				shutdownErr = fmt.Errorf("validator process %d did not exit after SIGKILL", pid)
			}
		}
	}

	if pidFile != nil {
		if err := pidFile.Remove(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	if logFile != nil {
		logFile.Close()
	}
	if shutdownErr == nil {
		v.logger.Info("validator stopped", "pid", pid)
	}
	return shutdownErr
}

// reapOrphan looks for a validator left behind by a previous run and
// terminates it. A PID file pointing at a foreign process is discarded
// without sending anything.
func (v *Validator) reapOrphan() error {
	pidFile := NewPIDFile(v.config.PIDPath)
	pid, err := pidFile.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		v.logger.Warn("discarding unreadable validator PID file", "path", v.config.PIDPath, "error", err)
		return pidFile.Remove()
	}

	if !IsProcessRunning(pid) {
		v.logger.Debug("removing stale validator PID file", "pid", pid)
		return pidFile.Remove()
	}
	if !IsValidatorProcess(pid, filepath.Base(v.config.Binary)) {
		v.logger.Warn("PID file points at an unrelated process, not signaling it", "pid", pid)
		return pidFile.Remove()
	}

	v.logger.Warn("terminating orphaned validator from previous run", "pid", pid)
	if err := GracefulShutdown(pid, v.config.ShutdownTimeout, true); err != nil && !errors.Is(err, ErrProcessNotRunning) {
		return fmt.Errorf("failed to stop orphaned validator %d: %w", pid, err)
	}
	return pidFile.Remove()
}

// portAvailable verifies nothing else is bound to the validator port.
func portAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("validator port %d is already in use: %w", port, err)
	}
	return ln.Close()
}
