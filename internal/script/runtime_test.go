package script

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meridianhq/meridian/internal/vars"
)

func newTestRuntime(t *testing.T, opts ...Option) (*Runtime, Env) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(logger, vars.NewService(), opts...)
	env := Env{ChannelID: "chan-a", ChannelName: "Test Channel"}
	return r, env
}

func TestCompileErrorSurfaces(t *testing.T) {
	r, _ := newTestRuntime(t)
	err := r.CompileScript("chan-a:bad", "bad", "function (")
	if err == nil {
		t.Fatal("expected compile error")
	}
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("error type %T, want *CompileError", err)
	}
	if ce.Key != "chan-a:bad" {
		t.Errorf("key = %q", ce.Key)
	}
}

func TestHasProgramAndInvalidate(t *testing.T) {
	r, _ := newTestRuntime(t)
	if err := r.CompileScript("chan-a:filter:1", "f", "1;"); err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	if err := r.CompileScript("chan-b:filter:1", "f", "1;"); err != nil {
		t.Fatalf("CompileScript: %v", err)
	}

	if !r.HasProgram("chan-a:filter:1") {
		t.Error("program should be cached")
	}

	r.Invalidate("chan-a:")
	if r.HasProgram("chan-a:filter:1") {
		t.Error("Invalidate should drop the channel's programs")
	}
	if !r.HasProgram("chan-b:filter:1") {
		t.Error("Invalidate must not touch other channels")
	}
}

func TestRunMissingProgram(t *testing.T) {
	r, env := newTestRuntime(t)
	if err := r.RunChannelScript(context.Background(), "chan-a:deploy", env); err == nil {
		t.Fatal("expected error for missing program")
	}
}

func TestScriptTimeout(t *testing.T) {
	r, env := newTestRuntime(t, WithTimeout(100*time.Millisecond))
	if err := r.CompileChannelScript("chan-a:spin", "spin", "while (true) {}"); err != nil {
		t.Fatalf("compile: %v", err)
	}

	start := time.Now()
	err := r.RunChannelScript(context.Background(), "chan-a:spin", env)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}
}

func TestScriptContextCancellation(t *testing.T) {
	r, env := newTestRuntime(t, WithTimeout(time.Minute))
	if err := r.CompileChannelScript("chan-a:spin", "spin", "while (true) {}"); err != nil {
		t.Fatalf("compile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := r.RunChannelScript(ctx, "chan-a:spin", env)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestScriptRuntimeErrorIsReported(t *testing.T) {
	r, env := newTestRuntime(t)
	if err := r.CompileChannelScript("chan-a:boom", "boom", "throw new Error('blew up');"); err != nil {
		t.Fatalf("compile: %v", err)
	}
	err := r.RunChannelScript(context.Background(), "chan-a:boom", env)
	if err == nil {
		t.Fatal("expected script error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("script exception must not classify as timeout")
	}
}

func TestChannelScriptScope(t *testing.T) {
	r, env := newTestRuntime(t)
	script := `
		$gc('deployed', true);
		$g('lastChannel', channelName);
		logger.info('deploying ' + channelId);
	`
	if err := r.CompileChannelScript("chan-a:deploy", "deploy", script); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := r.RunChannelScript(context.Background(), "chan-a:deploy", env); err != nil {
		t.Fatalf("run: %v", err)
	}

	if v, ok := r.vars.Channel("chan-a").Get("deployed"); !ok || v != true {
		t.Errorf("global channel map: %v, %v", v, ok)
	}
	if v, _ := r.vars.Global().Get("lastChannel"); v != "Test Channel" {
		t.Errorf("global map: %v", v)
	}
}
