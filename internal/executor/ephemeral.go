package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/sandboxapi"
	"github.com/runbox/runbox/internal/sanitize"
)

const (
	ephemeralProgramFilename = "program.py"
	ephemeralStdinFilename   = "stdin.txt"
)

// ExecuteEphemeral runs one submission with no session and no persisted
// state: a brand-new short-lived sandbox is created for exactly this call and
// always stopped afterward, regardless of outcome. Off the deployed platform
// (or with the sandbox feature off) it delegates to the normal selection
// chain instead.
func (s *Service) ExecuteEphemeral(ctx context.Context, sub backend.Submission, timeout time.Duration) backend.Result {
	if !s.Config.Deployed || !s.Config.RemoteSandboxEnabled || s.Client == nil {
		return s.ExecuteCode(ctx, sub, timeout, "")
	}

	start := time.Now()
	stdin := sub.Stdin()

	fail := func(msg string) backend.Result {
		return backend.Result{
			Success:  false,
			Error:    msg,
			Duration: time.Since(start),
			Stdin:    stdin,
		}
	}

	if err := sanitize.ValidateCode(sub.Code); err != nil {
		return fail(err.Error())
	}
	if err := sanitize.ValidateStdin(stdin); err != nil {
		return fail(err.Error())
	}
	attached := make([]sanitize.AttachedFile, len(sub.AttachedFiles()))
	for i, f := range sub.AttachedFiles() {
		attached[i] = sanitize.AttachedFile{Name: f.Name, Content: f.Content}
	}
	if err := sanitize.ValidateAttachedFiles(attached); err != nil {
		return fail(err.Error())
	}

	// The caller's timeout is clamped to a hard maximum: preview runs never
	// hold a sandbox longer than that.
	if timeout <= 0 {
		timeout = s.Config.DefaultTimeout()
	}
	if max := s.Config.EphemeralMaxTimeout(); timeout > max {
		timeout = max
	}

	sb, err := s.Client.CreateSandbox(ctx, s.Config.Sandbox.Runtime, s.Config.EphemeralIdleTimeout())
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("ephemeral sandbox creation failed", "error", err)
		}
		return fail("Code execution temporarily unavailable: " + string(backend.CodeCreationFailed))
	}
	// Strict create-use-destroy: the sandbox is stopped on every path.
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := s.Client.StopSandbox(stopCtx, sb.ID); stopErr != nil {
			if s.Logger != nil {
				s.Logger.Warn("ephemeral sandbox stop failed", "sandbox_id", sb.ID, "error", stopErr)
			}
		}
	}()

	var seed *int64
	if v, ok := sub.RandomSeed(); ok {
		seed = &v
	}
	program := backend.PrependPreambles(sub.Code, seed, stdin != "")
	files := []sandboxapi.FileEntry{
		{Path: ephemeralProgramFilename, Content: program},
	}
	if stdin != "" {
		files = append(files, sandboxapi.FileEntry{Path: ephemeralStdinFilename, Content: stdin})
	}
	for _, f := range sub.AttachedFiles() {
		files = append(files, sandboxapi.FileEntry{
			Path:    sanitize.Filename(f.Name),
			Content: f.Content,
		})
	}
	if err := s.Client.WriteFiles(ctx, sb.ID, files); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("ephemeral file write failed", "sandbox_id", sb.ID, "error", err)
		}
		return fail("Code execution temporarily unavailable: " + string(backend.CodeExecutionFailed))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := "python3 " + ephemeralProgramFilename
	if stdin != "" {
		command += " < " + ephemeralStdinFilename
	}
	cmdResult, err := s.Client.RunCommand(runCtx, sb.ID, "sh", []string{"-c", command}, "")
	duration := time.Since(start)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return backend.Result{
				Success:  false,
				Error:    fmt.Sprintf("Execution timed out after %dms", timeout.Milliseconds()),
				Duration: duration,
				Stdin:    stdin,
			}
		}
		if s.Logger != nil {
			s.Logger.Warn("ephemeral execution failed", "sandbox_id", sb.ID, "error", err)
		}
		return fail("Code execution temporarily unavailable: " + string(backend.CodeExecutionFailed))
	}

	stderr := strings.TrimRight(cmdResult.Stderr, "\n")
	result := backend.Result{
		Output:   sanitize.TruncateOutput(cmdResult.Stdout, sanitize.MaxOutputBytes),
		Duration: duration,
		Stdin:    stdin,
	}
	if cmdResult.ExitCode == 0 && stderr == "" {
		result.Success = true
		return result
	}
	if stderr == "" {
		stderr = fmt.Sprintf("process exited with code %d", cmdResult.ExitCode)
	}
	result.Error = sanitize.ErrorMessage(sanitize.TruncateOutput(stderr, sanitize.MaxErrorBytes))
	return result
}
