// Package local executes submissions by spawning a local interpreter
// subprocess per call. It is stateless: every call builds its own temporary
// directory, environment, and process, and tears them down on exit.
package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/backend/tracer"
	"github.com/runbox/runbox/internal/sanitize"
	"golang.org/x/sys/unix"
)

const (
	defaultTimeout = 10 * time.Second
	// killGrace is how long a timed-out process gets to honor SIGTERM before
	// SIGKILL.
	killGrace = time.Second

	programFilename = "program.py"
)

const eofFriendlyMessage = "Your program is waiting for more input, but no more input is available. " +
	"Provide the input it needs before running."

var capabilities = backend.Capabilities{
	Execute:       true,
	Trace:         true,
	AttachedFiles: true,
	Stdin:         true,
	RandomSeed:    true,
}

// Options configures the backend.
type Options struct {
	// Interpreter is the interpreter binary, e.g. "python3".
	Interpreter string
	// Deployed marks the constrained serverless host that has no usable
	// local interpreter; the backend reports unavailable there.
	Deployed bool
	Logger   *log.Logger
}

type Backend struct {
	interpreter string
	deployed    bool
	logger      *log.Logger
}

func New(opts Options) *Backend {
	interpreter := strings.TrimSpace(opts.Interpreter)
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Backend{
		interpreter: interpreter,
		deployed:    opts.Deployed,
		logger:      opts.Logger,
	}
}

func (b *Backend) Name() string { return backend.TypeLocalProcess }

func (b *Backend) Capabilities() backend.Capabilities { return capabilities }

// Status is an environment probe, not a live interpreter test: the backend is
// unavailable exactly when running on the constrained serverless host.
func (b *Backend) Status(_ context.Context) backend.Status {
	if b.deployed {
		return backend.Status{
			Available: false,
			Healthy:   false,
			Message:   "local interpreter is not available on this platform",
		}
	}
	return backend.Status{
		Available: true,
		Healthy:   true,
		Metadata:  map[string]string{"interpreter": b.interpreter},
	}
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

	workDir, err := os.MkdirTemp("", "runbox-exec-*")
	if err != nil {
		return fail("failed to prepare execution environment")
	}
	defer os.RemoveAll(workDir)

	if err := writeAttachedFiles(workDir, sub.AttachedFiles()); err != nil {
		return fail(err.Error())
	}

	code := sub.Code
	if seed, ok := sub.RandomSeed(); ok {
		code = backend.SeedPreamble(seed) + "\n" + code
	}
	programPath := filepath.Join(workDir, programFilename)
	if err := os.WriteFile(programPath, []byte(code), 0o644); err != nil {
		return fail("failed to prepare execution environment")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	run, err := b.runProcess(ctx, processSpec{
		args:    []string{b.interpreter, programPath},
		dir:     workDir,
		stdin:   stdin,
		timeout: timeout,
	})
	if err != nil {
		return fail(fmt.Sprintf("failed to start interpreter: %v", err))
	}

	result := backend.Result{
		Output:   sanitize.TruncateOutput(run.stdout, sanitize.MaxOutputBytes),
		Duration: time.Since(start),
		Stdin:    stdin,
	}

	stderr := strings.TrimRight(run.stderr, "\n")
	switch {
	case run.timedOut:
		result.Error = fmt.Sprintf("Execution timed out after %dms", timeout.Milliseconds())
	case run.exitCode == 0 && stderr == "":
		result.Success = true
	default:
		// Non-empty stderr fails the run even on exit 0: an embedded
		// interpreter can print a traceback and still exit cleanly.
		if stderr == "" {
			stderr = fmt.Sprintf("process exited with code %d", run.exitCode)
		}
		if strings.Contains(stderr, "EOFError") {
			stderr = eofFriendlyMessage
		}
		result.Error = sanitize.TruncateOutput(stderr, sanitize.MaxErrorBytes)
	}
	return result, nil
}

func (b *Backend) Trace(ctx context.Context, code string, opts backend.TraceOptions) (backend.Trace, error) {
	if err := sanitize.ValidateCode(code); err != nil {
		return backend.ErrorTrace(err.Error()), nil
	}
	if err := sanitize.ValidateStdin(opts.Stdin); err != nil {
		return backend.ErrorTrace(err.Error()), nil
	}

	workDir, err := os.MkdirTemp("", "runbox-trace-*")
	if err != nil {
		return backend.ErrorTrace("failed to prepare trace environment"), nil
	}
	defer os.RemoveAll(workDir)

	if err := writeAttachedFiles(workDir, opts.AttachedFiles); err != nil {
		return backend.ErrorTrace(err.Error()), nil
	}

	if opts.RandomSeed != nil {
		code = backend.SeedPreamble(*opts.RandomSeed) + "\n" + code
	}
	programPath := filepath.Join(workDir, programFilename)
	if err := os.WriteFile(programPath, []byte(code), 0o644); err != nil {
		return backend.ErrorTrace("failed to prepare trace environment"), nil
	}

	// The tracer script lives at a fixed path per process, rewritten on every
	// call so upgrades take effect without cleanup.
	scriptPath := filepath.Join(os.TempDir(), "runbox-"+tracer.ScriptName)
	if err := os.WriteFile(scriptPath, []byte(tracer.Script), 0o644); err != nil {
		return backend.ErrorTrace("failed to prepare trace environment"), nil
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = tracer.DefaultMaxSteps
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	run, err := b.runProcess(ctx, processSpec{
		args:    []string{b.interpreter, scriptPath, programPath, strconv.Itoa(maxSteps)},
		dir:     workDir,
		stdin:   opts.Stdin,
		timeout: timeout,
	})
	if err != nil {
		return backend.ErrorTrace(fmt.Sprintf("failed to start tracer: %v", err)), nil
	}
	// Unlike Execute, a trace timeout is a hard failure with no partial
	// trace: half a recording is worse than none for the visualizer.
	if run.timedOut {
		return backend.ErrorTrace(fmt.Sprintf("Trace timed out after %dms", timeout.Milliseconds())), nil
	}

	trace, parseErr := tracer.Parse(run.stdout)
	if parseErr != nil {
		msg := strings.TrimSpace(run.stderr)
		if msg == "" {
			msg = "tracing failed"
		}
		return backend.ErrorTrace(sanitize.ErrorMessage(msg)), nil
	}
	return trace, nil
}

type processSpec struct {
	args    []string
	dir     string
	stdin   string
	timeout time.Duration
}

type processOutcome struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
}

// runProcess spawns the interpreter with a minimal allow-listed environment,
// feeds stdin, and enforces the wall-clock timeout with a SIGTERM that
// escalates to SIGKILL after a grace period.
func (b *Backend) runProcess(ctx context.Context, spec processSpec) (processOutcome, error) {
	cmd := exec.Command(spec.args[0], spec.args[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = minimalEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = newLimitWriter(&stdout, sanitize.MaxOutputBytes)
	cmd.Stderr = newLimitWriter(&stderr, sanitize.MaxErrorBytes)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return processOutcome{}, err
	}

	if err := cmd.Start(); err != nil {
		stdinPipe.Close()
		return processOutcome{}, err
	}

	// Write then close immediately so a blocked read sees end-of-input
	// instead of hanging until the timeout.
	if spec.stdin != "" {
		io.WriteString(stdinPipe, spec.stdin)
	}
	stdinPipe.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(spec.timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		timedOut = true
		b.terminate(cmd, done)
	case <-timer.C:
		timedOut = true
		b.terminate(cmd, done)
	}

	outcome := processOutcome{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		timedOut: timedOut,
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			outcome.exitCode = exitErr.ExitCode()
		} else {
			outcome.exitCode = -1
		}
	}
	return outcome, nil
}

// terminate sends SIGTERM and escalates to SIGKILL if the process has not
// exited within the grace period.
func (b *Backend) terminate(cmd *exec.Cmd, done chan error) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		cmd.Process.Kill()
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(killGrace):
		cmd.Process.Kill()
		<-done
	}
	if b.logger != nil {
		b.logger.Debug("terminated timed-out process", "pid", cmd.Process.Pid)
	}
}

// minimalEnv is the explicit allow-list for subprocess environments; nothing
// from the parent (secrets included) is inherited beyond these.
func minimalEnv() []string {
	env := []string{
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
	}
	for _, key := range []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR"} {
		if value := os.Getenv(key); value != "" {
			env = append(env, key+"="+value)
		}
	}
	return env
}

func writeAttachedFiles(dir string, files []backend.File) error {
	sanitized := make([]sanitize.AttachedFile, len(files))
	for i, f := range files {
		sanitized[i] = sanitize.AttachedFile{Name: f.Name, Content: f.Content}
	}
	if err := sanitize.ValidateAttachedFiles(sanitized); err != nil {
		return err
	}
	for _, f := range files {
		name := sanitize.Filename(f.Name)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write attached file %q", name)
		}
	}
	return nil
}

// limitWriter caps a buffer at max bytes, silently discarding the rest.
type limitWriter struct {
	buf *bytes.Buffer
	max int
}

func newLimitWriter(buf *bytes.Buffer, max int) *limitWriter {
	return &limitWriter{buf: buf, max: max}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	// Report everything written so the child never sees EPIPE.
	return len(p), nil
}
