// Package script executes user scripts (filters, transformers, processors,
// channel hooks) on an embedded ECMAScript engine. Programs are compiled
// once at deploy time and run on a fresh VM per invocation so channels and
// messages never share a realm.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/meridianhq/meridian/internal/vars"
)

// DefaultTimeout bounds a single script invocation.
const DefaultTimeout = 60 * time.Second

// ErrTimeout is returned when a script exceeds its wall-clock budget.
// Timeouts are never retried.
var ErrTimeout = errors.New("script execution timed out")

// CompileError wraps a compilation failure. Deploys fail on it.
type CompileError struct {
	Key string
	Err error
}

func (e *CompileError) Error() string { return fmt.Sprintf("compile %s: %v", e.Key, e.Err) }
func (e *CompileError) Unwrap() error { return e.Err }

// Runtime compiles and runs scripts. One Runtime serves the whole engine;
// the compile cache is keyed by caller-chosen keys (channel id + script
// kind) and invalidated on redeploy.
type Runtime struct {
	logger  *slog.Logger
	vars    *vars.Service
	timeout time.Duration

	mu       sync.RWMutex
	programs map[string]*goja.Program
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTimeout overrides the per-invocation wall-clock budget.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a script Runtime. A nil logger falls back to slog.Default.
func New(logger *slog.Logger, varsSvc *vars.Service, opts ...Option) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		logger:   logger,
		vars:     varsSvc,
		timeout:  DefaultTimeout,
		programs: make(map[string]*goja.Program),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CompileScript compiles source under key. name appears in stack traces.
func (r *Runtime) CompileScript(key, name, source string) error {
	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return &CompileError{Key: key, Err: err}
	}
	r.mu.Lock()
	r.programs[key] = prog
	r.mu.Unlock()
	return nil
}

// HasProgram reports whether a program is cached under key.
func (r *Runtime) HasProgram(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.programs[key]
	return ok
}

// Invalidate drops every cached program whose key starts with prefix.
// Called on undeploy with the channel's key prefix.
func (r *Runtime) Invalidate(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.programs {
		if strings.HasPrefix(k, prefix) {
			delete(r.programs, k)
		}
	}
}

func (r *Runtime) program(key string) (*goja.Program, error) {
	r.mu.RLock()
	prog, ok := r.programs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no compiled script for %s", key)
	}
	return prog, nil
}

// runProgram executes prog on vm under the timeout and the caller's
// context. The script cannot suspend: it either completes or is
// interrupted.
func (r *Runtime) runProgram(ctx context.Context, vm *goja.Runtime, prog *goja.Program) (goja.Value, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(r.timeout, func() {
		timedOut.Store(true)
		vm.Interrupt(ErrTimeout)
	})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := vm.RunProgram(prog)
	timer.Stop()
	close(done)

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if timedOut.Load() {
				return nil, ErrTimeout
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("script error: %w", err)
	}
	return v, nil
}
