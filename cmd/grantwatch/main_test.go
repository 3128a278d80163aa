package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRunMain_ZeroOnSuccess(t *testing.T) {
	var out bytes.Buffer
	if got := runMain(func() error { return nil }, &out); got != 0 {
		t.Fatalf("runMain() = %d, want 0", got)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestExitCodeForError_ExitError(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")

	var out bytes.Buffer
	err := fmt.Errorf("wrapped: %w", &exitError{code: 3, err: errors.New("boom")})
	if got := exitCodeForError(err, &out); got != 3 {
		t.Fatalf("exitCodeForError() = %d, want 3", got)
	}

	line := strings.TrimSpace(out.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got := payload["exit_code"]; got != float64(3) {
		t.Fatalf("exit_code = %v, want 3", got)
	}
	if got := payload["error"]; got != "boom" {
		t.Fatalf("error = %v, want %q", got, "boom")
	}
}

func TestExitCodeForError_SilentExitError(t *testing.T) {
	var out bytes.Buffer
	if got := exitCodeForError(&exitError{code: 2, silent: true}, &out); got != 2 {
		t.Fatalf("exitCodeForError() = %d, want 2", got)
	}
	if out.Len() != 0 {
		t.Fatalf("silent exit produced output: %q", out.String())
	}
}

func TestExitCodeForError_Canceled(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")

	var out bytes.Buffer
	if got := exitCodeForError(context.Canceled, &out); got != 130 {
		t.Fatalf("exitCodeForError() = %d, want 130", got)
	}
	if !strings.Contains(out.String(), "command canceled") {
		t.Fatalf("output missing cancel message: %q", out.String())
	}
}

func TestExitCodeForError_Generic(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")

	var out bytes.Buffer
	if got := exitCodeForError(errors.New("plain failure"), &out); got != 1 {
		t.Fatalf("exitCodeForError() = %d, want 1", got)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got := payload["app"]; got != "grantwatch" {
		t.Fatalf("app = %v, want %q", got, "grantwatch")
	}
}
