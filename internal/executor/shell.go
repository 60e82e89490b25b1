package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// terminationGrace is the window between a graceful termination signal and
// a forced kill (§4.1 point 3).
const terminationGrace = 5 * time.Second

// ShellExecutor runs shell-kind steps as host subprocesses, built on a
// policy-check-then-exec.CommandContext shape, with a graceful-terminate-
// then-kill ladder and idle-flush streaming added: plain context
// cancellation kills the process immediately, which gives a running
// process no chance to clean up.
type ShellExecutor struct {
	logger *zap.Logger
}

// NewShellExecutor constructs a shell-kind executor.
func NewShellExecutor(logger *zap.Logger) *ShellExecutor {
	return &ShellExecutor{logger: logger}
}

// Execute runs ec.Command, streaming output through ec.LineSink and
// enforcing ec.Timeout via the termination ladder.
func (s *ShellExecutor) Execute(ec *ExecContext) *Result {
	started := time.Now().UTC()

	if ec.Command == "" {
		return &Result{Status: StatusFailure, ExitCode: -1, StartedAt: started, CompletedAt: time.Now().UTC(), Error: "shell step requires a command"}
	}

	cmd := exec.Command("/bin/sh", "-c", ec.Command)
	if ec.Dir != "" {
		cmd.Dir = ec.Dir
	} else {
		cmd.Dir = ec.WorkspaceDir
	}
	cmd.Env = envSlice(ec.Env)
	setProcessGroup(cmd)

	sink := ec.LineSink
	if sink == nil {
		sink = func(string, string) {}
	}
	masked := MaskingSink(ec.Secrets, sink)

	var stdoutCapture, stderrCapture bytes.Buffer
	stdoutBuf := newLineBuffer("stdout", masked)
	stderrBuf := newLineBuffer("stderr", masked)
	cmd.Stdout = io.MultiWriter(stdoutBuf, &stdoutCapture)
	cmd.Stderr = io.MultiWriter(stderrBuf, &stderrCapture)

	if err := cmd.Start(); err != nil {
		return &Result{Status: StatusFailure, ExitCode: -1, StartedAt: started, CompletedAt: time.Now().UTC(), Error: fmt.Sprintf("failed to start: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	status, exitCode, waitErr := s.waitWithLadder(ec.Context, cmd, done, ec.Timeout)

	stdoutBuf.Close()
	stderrBuf.Close()

	completed := time.Now().UTC()
	res := &Result{
		Status:      status,
		ExitCode:    exitCode,
		Stdout:      stdoutCapture.String(),
		Stderr:      stderrCapture.String(),
		StartedAt:   started,
		CompletedAt: completed,
	}
	if waitErr != nil && status == StatusFailure {
		res.Error = waitErr.Error()
	}

	if s.logger != nil {
		s.logger.Info("step completed",
			zap.String("build_id", ec.BuildID),
			zap.String("step_id", ec.StepID),
			zap.String("status", string(status)),
			zap.Int("exit_code", exitCode),
			zap.Duration("duration", completed.Sub(started)),
		)
	}
	return res
}

// waitWithLadder waits for the command to finish, honoring both a
// per-step timeout and the build's shared cancel-signal context. On either
// deadline it sends a graceful termination signal, waits up to
// terminationGrace, then forces a kill. The caller is responsible for
// distinguishing "timed-out" (timeout fired) from "aborted" (ctx canceled)
// via the returned Status.
func (s *ShellExecutor) waitWithLadder(ctx context.Context, cmd *exec.Cmd, done <-chan error, timeout time.Duration) (Status, int, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		return statusFromWait(err)

	case <-timeoutC:
		s.terminate(cmd, done)
		return StatusTimedOut, -1, fmt.Errorf("step exceeded timeout of %s", timeout)

	case <-ctx.Done():
		s.terminate(cmd, done)
		return StatusAborted, -1, ctx.Err()
	}
}

// terminate sends a graceful signal, waits terminationGrace for the process
// to exit on its own, then force-kills the process group.
func (s *ShellExecutor) terminate(cmd *exec.Cmd, done <-chan error) {
	gracefulStop(cmd)

	timer := time.NewTimer(terminationGrace)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
		forceKill(cmd)
		<-done
	}
}

func statusFromWait(err error) (Status, int, error) {
	if err == nil {
		return StatusSuccess, 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return StatusFailure, exitErr.ExitCode(), err
	}
	return StatusFailure, -1, err
}

func envSlice(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// setProcessGroup places the child in its own process group on unix so a
// graceful signal reaches any descendants a shell command spawns.
func setProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func gracefulStop(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func forceKill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
