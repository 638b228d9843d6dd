package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	r := New(0)
	res, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
}

func TestRunNonzeroExit(t *testing.T) {
	r := New(0)
	res, err := r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("error is %T, want *ExitError", err)
	}
	if ee.Result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", ee.Result.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q, want captured diagnostic", res.Stderr)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := New(0)
	_, err := r.Run(context.Background(), "/nonexistent-binary-for-test")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("error is %T, want *ExitError", err)
	}
	if ee.Result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 for spawn failure", ee.Result.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	r := New(50 * time.Millisecond)
	_, err := r.Run(context.Background(), "sleep", "5")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("error is %T, want *ExitError", err)
	}
	if !ee.TimedOut {
		t.Error("expected TimedOut to be set")
	}
}

func TestCombined(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"both", Result{Stdout: "a\n", Stderr: "b\n"}, "a\nb"},
		{"stdout only", Result{Stdout: "a\n"}, "a"},
		{"stderr only", Result{Stderr: "b\n"}, "b"},
		{"empty", Result{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.Combined(); got != tt.want {
				t.Errorf("Combined() = %q, want %q", got, tt.want)
			}
		})
	}
}
