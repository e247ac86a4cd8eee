// Package executor is the orchestration facade over the backend registry and
// the session state repository: it resolves the backend for a call, delegates
// execution, sanitizes outgoing errors, and drives the per-session backend
// lifecycle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/ids"
	"github.com/runbox/runbox/internal/registry"
	"github.com/runbox/runbox/internal/runtimeconfig"
	"github.com/runbox/runbox/internal/sandboxapi"
	"github.com/runbox/runbox/internal/sanitize"
	"github.com/runbox/runbox/internal/state"
)

const noBackendMessage = "No backend available"

// PlatformClient is the slice of the sandbox platform API the ephemeral path
// uses. *sandboxapi.Client satisfies it.
type PlatformClient interface {
	CreateSandbox(ctx context.Context, runtime string, idleTimeout time.Duration) (sandboxapi.Sandbox, error)
	WriteFiles(ctx context.Context, id string, files []sandboxapi.FileEntry) error
	RunCommand(ctx context.Context, id, command string, args []string, cwd string) (sandboxapi.CommandResult, error)
	StopSandbox(ctx context.Context, id string) error
}

// Service wires the registry, state repository, platform client, and config
// together. It is constructed once at process entry and passed by reference;
// there is no package-level singleton.
type Service struct {
	Registry *registry.Registry
	States   state.Repository
	Client   PlatformClient
	Config   runtimeconfig.Config
	Logger   *log.Logger
}

func New(reg *registry.Registry, states state.Repository, client PlatformClient, cfg runtimeconfig.Config, logger *log.Logger) *Service {
	return &Service{
		Registry: reg,
		States:   states,
		Client:   client,
		Config:   cfg,
		Logger:   logger,
	}
}

// resolveBackend prefers the session's assigned backend when that type can
// still produce an instance, and falls back to plain registry selection
// otherwise. A stale assignment never fails a call.
func (s *Service) resolveBackend(ctx context.Context, sessionID string) backend.Backend {
	if sessionID != "" {
		assigned, err := s.States.AssignedBackend(ctx, sessionID)
		if err == nil {
			if b := s.Registry.Get(assigned); b != nil {
				return b
			}
			if s.Logger != nil {
				s.Logger.Debug("assigned backend unavailable, falling back",
					"session_id", sessionID, "backend", assigned)
			}
		} else if !errors.Is(err, state.ErrNotFound) {
			if s.Logger != nil {
				s.Logger.Warn("backend assignment lookup failed", "session_id", sessionID, "error", err)
			}
		}
	}
	return s.Registry.Select(registry.Criteria{})
}

// ExecuteCode runs one submission. It never returns an error to the caller:
// every failure mode becomes a well-formed result.
func (s *Service) ExecuteCode(ctx context.Context, sub backend.Submission, timeout time.Duration, sessionID string) backend.Result {
	runID := ids.NewRunID()
	if timeout <= 0 {
		timeout = s.Config.DefaultTimeout()
	}
	b := s.resolveBackend(ctx, sessionID)
	if b == nil {
		return backend.Result{
			Success: false,
			Error:   noBackendMessage,
			Stdin:   sub.Stdin(),
		}
	}

	result, err := b.Execute(ctx, sub, backend.ExecOptions{Timeout: timeout, SessionID: sessionID})
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("execute failed",
				"run_id", runID, "backend", b.Name(), "session_id", sessionID, "error", err)
		}
		result = backend.Result{
			Success: false,
			Error:   clientError(err),
			Stdin:   sub.Stdin(),
		}
	} else if s.Logger != nil {
		s.Logger.Debug("execute complete",
			"run_id", runID, "backend", b.Name(), "session_id", sessionID,
			"success", result.Success, "duration", result.Duration)
	}

	// The service is the sanitization boundary: raw backend error text never
	// crosses it. Successful results have nothing to hide.
	if !result.Success && result.Error != "" {
		result.Error = sanitize.ErrorMessage(result.Error)
	}
	return result
}

// TraceExecution records a step trace of the code. Same resolution logic as
// ExecuteCode; backends without trace capability yield a failed trace, not a
// call into them.
func (s *Service) TraceExecution(ctx context.Context, code string, opts backend.TraceOptions) backend.Trace {
	if opts.Timeout <= 0 {
		opts.Timeout = s.Config.TraceTimeout()
	}
	b := s.resolveBackend(ctx, opts.SessionID)
	if b == nil {
		return backend.ErrorTrace(noBackendMessage)
	}
	if !b.Capabilities().Trace {
		return backend.ErrorTrace("Tracing not available")
	}

	trace, err := b.Trace(ctx, code, opts)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("trace failed", "backend", b.Name(), "session_id", opts.SessionID, "error", err)
		}
		return backend.ErrorTrace(sanitize.ErrorMessage(clientError(err)))
	}
	if trace.Error != "" {
		trace.Error = sanitize.ErrorMessage(trace.Error)
	}
	return trace
}

// PrepareForSession assigns a backend to the session by environment policy
// and warms it up when the backend is stateful. Called once at session
// creation; its failure must not abort session creation. The caller catches
// and continues, and execution simply reports unavailable later.
func (s *Service) PrepareForSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}

	backendType := s.sessionBackendType()
	if err := s.States.AssignBackend(ctx, sessionID, backendType); err != nil {
		return fmt.Errorf("assign backend %q to session %q: %w", backendType, sessionID, err)
	}
	if s.Logger != nil {
		s.Logger.Info("session prepared", "session_id", sessionID, "backend", backendType)
	}

	b := s.Registry.Get(backendType)
	if b == nil || !b.Capabilities().Stateful {
		return nil
	}
	stateful, ok := b.(backend.StatefulBackend)
	if !ok {
		return nil
	}
	if err := stateful.Warmup(ctx, sessionID); err != nil {
		return fmt.Errorf("warm up session %q: %w", sessionID, err)
	}
	return nil
}

// sessionBackendType is the pure environment-based assignment policy.
func (s *Service) sessionBackendType() string {
	switch {
	case s.Config.Deployed && s.Config.RemoteSandboxEnabled:
		return backend.TypeRemoteSandbox
	case s.Config.Deployed:
		return backend.TypeDisabled
	default:
		return backend.TypeLocalProcess
	}
}

// CleanupSession releases the session's backend resources. Idempotent: a
// session with no assignment, or a second call, is a no-op.
func (s *Service) CleanupSession(ctx context.Context, sessionID string) error {
	assigned, err := s.States.AssignedBackend(ctx, sessionID)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up session %q for cleanup: %w", sessionID, err)
	}

	if b := s.Registry.Get(assigned); b != nil && b.Capabilities().Stateful {
		if stateful, ok := b.(backend.StatefulBackend); ok {
			if err := stateful.Cleanup(ctx, sessionID); err != nil {
				if s.Logger != nil {
					s.Logger.Warn("backend cleanup failed", "session_id", sessionID, "backend", assigned, "error", err)
				}
			}
		}
	}

	// Remove the assignment even when the backend was stateless or already
	// gone from the registry.
	if err := s.States.DeleteState(ctx, sessionID); err != nil {
		return fmt.Errorf("delete state for session %q: %w", sessionID, err)
	}
	return nil
}

// clientError maps an internal error to the generic client-facing message for
// platform faults, or passes the text through for everything else.
func clientError(err error) string {
	if code := backend.SandboxErrorCode(err); code != "" {
		return fmt.Sprintf("Code execution temporarily unavailable: %s", code)
	}
	return err.Error()
}
