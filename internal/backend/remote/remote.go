// Package remote executes submissions in a session-scoped sandbox hosted by
// the remote platform. The sandbox is provisioned once at session warmup,
// reconnected to on every call, and recreated transparently when the
// platform's idle timeout has reclaimed it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/backend/tracer"
	"github.com/runbox/runbox/internal/runtimeconfig"
	"github.com/runbox/runbox/internal/sandboxapi"
	"github.com/runbox/runbox/internal/sanitize"
	"github.com/runbox/runbox/internal/state"
)

const (
	defaultTimeout = 10 * time.Second

	programFilename = "program.py"
	stdinFilename   = "stdin.txt"
)

var capabilities = backend.Capabilities{
	Execute:        true,
	Trace:          true,
	AttachedFiles:  true,
	Stdin:          true,
	RandomSeed:     true,
	Stateful:       true,
	RequiresWarmup: true,
}

// PlatformClient is the slice of the sandbox platform API this backend uses.
// *sandboxapi.Client satisfies it.
type PlatformClient interface {
	CreateSandbox(ctx context.Context, runtime string, idleTimeout time.Duration) (sandboxapi.Sandbox, error)
	GetSandbox(ctx context.Context, id string) (sandboxapi.Sandbox, error)
	WriteFiles(ctx context.Context, id string, files []sandboxapi.FileEntry) error
	RunCommand(ctx context.Context, id, command string, args []string, cwd string) (sandboxapi.CommandResult, error)
	StopSandbox(ctx context.Context, id string) error
}

// Options configures the backend.
type Options struct {
	Client PlatformClient
	States state.Repository
	Config runtimeconfig.Config
	Logger *log.Logger
}

type Backend struct {
	client PlatformClient
	states state.Repository
	cfg    runtimeconfig.Config
	logger *log.Logger
}

func New(opts Options) *Backend {
	return &Backend{
		client: opts.Client,
		states: opts.States,
		cfg:    opts.Config,
		logger: opts.Logger,
	}
}

func (b *Backend) Name() string { return backend.TypeRemoteSandbox }

func (b *Backend) Capabilities() backend.Capabilities { return capabilities }

// Status gates on both deployment flags: the backend must never be selected
// outside its supported platform, so "deployed" and "sandbox enabled" each
// hold a key.
func (b *Backend) Status(_ context.Context) backend.Status {
	if !b.cfg.Deployed || !b.cfg.RemoteSandboxEnabled {
		return backend.Status{
			Available: false,
			Healthy:   false,
			Message:   "remote sandbox is only available on the deployed platform with the sandbox feature enabled",
		}
	}
	if b.client == nil {
		return backend.Status{
			Available: false,
			Healthy:   false,
			Message:   "sandbox platform client is not configured",
		}
	}
	return backend.Status{
		Available: true,
		Healthy:   true,
		Metadata:  map[string]string{"runtime": b.cfg.Sandbox.Runtime},
	}
}

// Warmup provisions the session's sandbox with the long session idle timeout
// and persists its identifier.
func (b *Backend) Warmup(ctx context.Context, sessionID string) error {
	start := time.Now()
	sb, err := b.client.CreateSandbox(ctx, b.cfg.Sandbox.Runtime, b.cfg.SessionIdleTimeout())
	if err != nil {
		serr := backend.NewSandboxError(backend.CodeCreationFailed, "warmup", "", err)
		b.event("warmup", sessionID, "", start, serr)
		return serr
	}
	if err := b.persistSandboxID(ctx, sessionID, sb.ID); err != nil {
		b.event("warmup", sessionID, sb.ID, start, err)
		return err
	}
	b.event("warmup", sessionID, sb.ID, start, nil)
	return nil
}

// Cleanup best-effort stops the sandbox and unconditionally deletes the
// persisted state. A failed stop is logged, never returned: the platform's
// own idle timeout bounds the leak.
func (b *Backend) Cleanup(ctx context.Context, sessionID string) error {
	start := time.Now()
	sandboxID, err := b.states.State(ctx, sessionID)
	if err == nil && sandboxID != "" {
		if stopErr := b.client.StopSandbox(ctx, sandboxID); stopErr != nil {
			if b.logger != nil {
				b.logger.Warn("stop sandbox failed", "session_id", sessionID, "sandbox_id", sandboxID, "error", stopErr)
			}
		}
	}
	if err := b.states.DeleteState(ctx, sessionID); err != nil {
		b.event("cleanup", sessionID, sandboxID, start, err)
		return err
	}
	b.event("cleanup", sessionID, sandboxID, start, nil)
	return nil
}

func (b *Backend) Execute(ctx context.Context, sub backend.Submission, opts backend.ExecOptions) (backend.Result, error) {
	start := time.Now()
	stdin := sub.Stdin()

	fail := func(msg string) (backend.Result, error) {
		return backend.Result{
			Success:  false,
			Error:    msg,
			Duration: time.Since(start),
			Stdin:    stdin,
		}, nil
	}

	if err := sanitize.ValidateCode(sub.Code); err != nil {
		return fail(err.Error())
	}
	if err := sanitize.ValidateStdin(stdin); err != nil {
		return fail(err.Error())
	}
	if err := validateAttached(sub.AttachedFiles()); err != nil {
		return fail(err.Error())
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	sandboxID, err := b.resolveSandbox(ctx, opts.SessionID)
	if err != nil {
		b.event("execute", opts.SessionID, "", start, err)
		return fail(unavailableMessage(err))
	}

	var seed *int64
	if s, ok := sub.RandomSeed(); ok {
		seed = &s
	}
	files := buildFileBatch(sub.Code, seed, stdin, sub.AttachedFiles(), false)
	if err := b.client.WriteFiles(ctx, sandboxID, files); err != nil {
		serr := backend.NewSandboxError(backend.CodeExecutionFailed, "write files", sandboxID, err)
		b.event("execute", opts.SessionID, sandboxID, start, serr)
		return fail(unavailableMessage(serr))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdResult, err := b.client.RunCommand(runCtx, sandboxID, "sh",
		[]string{"-c", interpreterCommand(stdin != "")}, "")
	duration := time.Since(start)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			b.event("execute", opts.SessionID, sandboxID, start,
				backend.NewSandboxError(backend.CodeTimeout, "execute", sandboxID, err))
			return backend.Result{
				Success:  false,
				Error:    fmt.Sprintf("Execution timed out after %dms", timeout.Milliseconds()),
				Duration: duration,
				Stdin:    stdin,
			}, nil
		}
		serr := backend.NewSandboxError(backend.CodeExecutionFailed, "execute", sandboxID, err)
		b.event("execute", opts.SessionID, sandboxID, start, serr)
		return fail(unavailableMessage(serr))
	}

	b.event("execute", opts.SessionID, sandboxID, start, nil)
	return resultFromCommand(cmdResult, duration, stdin), nil
}

func (b *Backend) Trace(ctx context.Context, code string, opts backend.TraceOptions) (backend.Trace, error) {
	start := time.Now()

	if err := sanitize.ValidateCode(code); err != nil {
		return backend.ErrorTrace(err.Error()), nil
	}
	if err := sanitize.ValidateStdin(opts.Stdin); err != nil {
		return backend.ErrorTrace(err.Error()), nil
	}
	if err := validateAttached(opts.AttachedFiles); err != nil {
		return backend.ErrorTrace(err.Error()), nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = tracer.DefaultMaxSteps
	}

	sandboxID, err := b.resolveSandbox(ctx, opts.SessionID)
	if err != nil {
		b.event("trace", opts.SessionID, "", start, err)
		return backend.ErrorTrace(unavailableMessage(err)), nil
	}

	files := buildFileBatch(code, opts.RandomSeed, opts.Stdin, opts.AttachedFiles, true)
	if err := b.client.WriteFiles(ctx, sandboxID, files); err != nil {
		serr := backend.NewSandboxError(backend.CodeExecutionFailed, "write files", sandboxID, err)
		b.event("trace", opts.SessionID, sandboxID, start, serr)
		return backend.ErrorTrace(unavailableMessage(serr)), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdResult, err := b.client.RunCommand(runCtx, sandboxID, "sh",
		[]string{"-c", tracerCommand(maxSteps, opts.Stdin != "")}, "")
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			b.event("trace", opts.SessionID, sandboxID, start,
				backend.NewSandboxError(backend.CodeTimeout, "trace", sandboxID, err))
			return backend.ErrorTrace(fmt.Sprintf("Trace timed out after %dms", timeout.Milliseconds())), nil
		}
		serr := backend.NewSandboxError(backend.CodeExecutionFailed, "trace", sandboxID, err)
		b.event("trace", opts.SessionID, sandboxID, start, serr)
		return backend.ErrorTrace(unavailableMessage(serr)), nil
	}

	b.event("trace", opts.SessionID, sandboxID, start, nil)
	trace, parseErr := tracer.Parse(cmdResult.Stdout)
	if parseErr != nil {
		msg := strings.TrimSpace(cmdResult.Stderr)
		if msg == "" {
			msg = "tracing failed"
		}
		return backend.ErrorTrace(sanitize.ErrorMessage(msg)), nil
	}
	return trace, nil
}

// resolveSandbox returns a running sandbox for the session: the persisted one
// when it is still alive, a fresh replacement otherwise. The read-then-write
// on the state record is deliberately not atomic; concurrent recreation of a
// just-expired sandbox ends with whichever identifier lands last, and the
// loser is reclaimed by the platform's idle timeout.
func (b *Backend) resolveSandbox(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", backend.NewSandboxError(backend.CodeUnavailable, "resolve", "",
			fmt.Errorf("remote sandbox backend requires a session"))
	}

	sandboxID, err := b.states.State(ctx, sessionID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return "", backend.NewSandboxError(backend.CodeUnavailable, "resolve", "", err)
	}

	if sandboxID != "" {
		sb, getErr := b.client.GetSandbox(ctx, sandboxID)
		if getErr == nil && sb.Status == sandboxapi.StatusRunning {
			return sandboxID, nil
		}
		// Stopped or unreachable: fall through and recreate.
		if b.logger != nil {
			b.logger.Info("sandbox expired, recreating",
				"session_id", sessionID, "sandbox_id", sandboxID, "error", getErr)
		}
	}

	sb, err := b.client.CreateSandbox(ctx, b.cfg.Sandbox.Runtime, b.cfg.SessionIdleTimeout())
	if err != nil {
		code := backend.CodeCreationFailed
		if sandboxID != "" {
			code = backend.CodeReconnectionFailed
		}
		return "", backend.NewSandboxError(code, "recreate", sandboxID, err)
	}
	if err := b.persistSandboxID(ctx, sessionID, sb.ID); err != nil {
		return "", err
	}
	return sb.ID, nil
}

func (b *Backend) persistSandboxID(ctx context.Context, sessionID, sandboxID string) error {
	err := b.states.SaveState(ctx, sessionID, sandboxID)
	if errors.Is(err, state.ErrNotFound) {
		// No assignment yet (warmup raced session creation); create one.
		if err := b.states.AssignBackend(ctx, sessionID, b.Name()); err != nil {
			return backend.NewSandboxError(backend.CodeCreationFailed, "persist", sandboxID, err)
		}
		err = b.states.SaveState(ctx, sessionID, sandboxID)
	}
	if err != nil {
		return backend.NewSandboxError(backend.CodeCreationFailed, "persist", sandboxID, err)
	}
	return nil
}

// event emits the structured lifecycle record that is the only observability
// for a resource whose failures are otherwise silent.
func (b *Backend) event(op, sessionID, sandboxID string, start time.Time, err error) {
	if b.logger == nil {
		return
	}
	fields := []any{
		"op", op,
		"session_id", sessionID,
		"duration", time.Since(start),
		"success", err == nil,
	}
	if sandboxID != "" {
		fields = append(fields, "sandbox_id", sandboxID)
	}
	if err != nil {
		if code := backend.SandboxErrorCode(err); code != "" {
			fields = append(fields, "error_code", string(code))
		}
		fields = append(fields, "error", err)
		b.logger.Warn("sandbox operation failed", fields...)
		return
	}
	b.logger.Info("sandbox operation", fields...)
}
