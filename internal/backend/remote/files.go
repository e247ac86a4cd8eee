package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/backend/tracer"
	"github.com/runbox/runbox/internal/sandboxapi"
	"github.com/runbox/runbox/internal/sanitize"
)

// buildFileBatch assembles the single batch write for one execution or trace:
// the program (with preambles), the stdin file when stdin is present, the
// tracer script when tracing, and the attached files under sanitized names.
func buildFileBatch(code string, seed *int64, stdin string, attached []backend.File, withTracer bool) []sandboxapi.FileEntry {
	// The platform cannot pipe stdin interactively, so programs read it via
	// shell redirection from a written file; input() echo makes the values
	// visible in captured output.
	program := backend.PrependPreambles(code, seed, stdin != "")

	files := []sandboxapi.FileEntry{
		{Path: programFilename, Content: program},
	}
	if stdin != "" {
		files = append(files, sandboxapi.FileEntry{Path: stdinFilename, Content: stdin})
	}
	if withTracer {
		files = append(files, sandboxapi.FileEntry{Path: tracer.ScriptName, Content: tracer.Script})
	}
	for _, f := range attached {
		files = append(files, sandboxapi.FileEntry{
			Path:    sanitize.Filename(f.Name),
			Content: f.Content,
		})
	}
	return files
}

func interpreterCommand(withStdin bool) string {
	cmd := "python3 " + programFilename
	if withStdin {
		cmd += " < " + stdinFilename
	}
	return cmd
}

func tracerCommand(maxSteps int, withStdin bool) string {
	cmd := fmt.Sprintf("python3 %s %s %d", tracer.ScriptName, programFilename, maxSteps)
	if withStdin {
		cmd += " < " + stdinFilename
	}
	return cmd
}

func validateAttached(files []backend.File) error {
	sanitized := make([]sanitize.AttachedFile, len(files))
	for i, f := range files {
		sanitized[i] = sanitize.AttachedFile{Name: f.Name, Content: f.Content}
	}
	return sanitize.ValidateAttachedFiles(sanitized)
}

// unavailableMessage is the generic, non-leaking client-facing wrap for
// platform-layer failures.
func unavailableMessage(err error) string {
	if code := backend.SandboxErrorCode(err); code != "" {
		return fmt.Sprintf("Code execution temporarily unavailable: %s", code)
	}
	return "Code execution temporarily unavailable"
}

// resultFromCommand maps a completed sandbox command to an execution result:
// success requires exit 0 and an empty stderr, both streams size-truncated.
func resultFromCommand(cmd sandboxapi.CommandResult, duration time.Duration, stdin string) backend.Result {
	stderr := strings.TrimRight(cmd.Stderr, "\n")
	result := backend.Result{
		Output:   sanitize.TruncateOutput(cmd.Stdout, sanitize.MaxOutputBytes),
		Duration: duration,
		Stdin:    stdin,
	}
	if cmd.ExitCode == 0 && stderr == "" {
		result.Success = true
		return result
	}
	if stderr == "" {
		stderr = fmt.Sprintf("process exited with code %d", cmd.ExitCode)
	}
	result.Error = sanitize.TruncateOutput(stderr, sanitize.MaxErrorBytes)
	return result
}
