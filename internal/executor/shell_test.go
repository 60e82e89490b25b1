package executor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestShellExecutorSuccess(t *testing.T) {
	e := NewShellExecutor(nil)
	var lines []string
	res := e.Execute(&ExecContext{
		Context:      context.Background(),
		WorkspaceDir: t.TempDir(),
		Command:      "echo hello",
		LineSink:     func(stream, line string) { lines = append(lines, line) },
	})
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if len(lines) == 0 || !strings.Contains(lines[0], "hello") {
		t.Fatalf("expected streamed output to contain hello, got %v", lines)
	}
}

func TestShellExecutorFailure(t *testing.T) {
	e := NewShellExecutor(nil)
	res := e.Execute(&ExecContext{
		Context:      context.Background(),
		WorkspaceDir: t.TempDir(),
		Command:      "exit 7",
	})
	if res.Status != StatusFailure {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	if res.ExitCode != 7 {
		t.Fatalf("expected exit 7, got %d", res.ExitCode)
	}
}

func TestShellExecutorTimeoutLadder(t *testing.T) {
	e := NewShellExecutor(nil)
	start := time.Now()
	res := e.Execute(&ExecContext{
		Context:      context.Background(),
		WorkspaceDir: t.TempDir(),
		Command:      "sleep 60",
		Timeout:      200 * time.Millisecond,
	})
	elapsed := time.Since(start)
	if res.Status != StatusTimedOut {
		t.Fatalf("expected timed-out, got %s", res.Status)
	}
	if elapsed > 6*time.Second {
		t.Fatalf("termination ladder took too long: %s", elapsed)
	}
}

func TestShellExecutorCancellation(t *testing.T) {
	e := NewShellExecutor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(&ExecContext{
		Context:      ctx,
		WorkspaceDir: t.TempDir(),
		Command:      "sleep 60",
	})
	if res.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", res.Status)
	}
}

func TestMaskingSinkRedactsSecrets(t *testing.T) {
	var captured string
	sink := MaskingSink(map[string]string{"TOKEN": "sekret-value"}, func(stream, line string) {
		captured = line
	})
	sink("stdout", "using token sekret-value for auth")
	if strings.Contains(captured, "sekret-value") {
		t.Fatalf("secret leaked into sink output: %q", captured)
	}
	if !strings.Contains(captured, "***") {
		t.Fatalf("expected masked placeholder in output: %q", captured)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry(nil)
	res := r.Execute("nonexistent", &ExecContext{Context: context.Background()})
	if res.Status != StatusFailure {
		t.Fatalf("expected failure for unknown kind, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "unknown-step-kind") {
		t.Fatalf("expected unknown-step-kind error, got %q", res.Error)
	}
}

func TestMergeEnvPrecedence(t *testing.T) {
	out := MergeEnv(
		map[string]string{"A": "process"},
		map[string]string{"A": "job", "B": "job"},
		map[string]string{"B": "stage"},
		map[string]string{"A": "step"},
	)
	if out["A"] != "step" {
		t.Fatalf("expected step to win for A, got %s", out["A"])
	}
	if out["B"] != "stage" {
		t.Fatalf("expected stage-container to win for B, got %s", out["B"])
	}
}
