// Package cli is the runbox command-line surface: run, trace, session
// lifecycle, and status commands over the executor service.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/endpoint"
	"github.com/runbox/runbox/internal/executor"
	"github.com/runbox/runbox/internal/ids"
	"github.com/runbox/runbox/internal/runtimeconfig"
	"github.com/runbox/runbox/internal/sandboxapi"
	"github.com/runbox/runbox/internal/state"
)

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Service    *executor.Service
}

type CLI struct {
	Run     RunCommand     `cmd:"" help:"Execute a program"`
	Trace   TraceCommand   `cmd:"" help:"Record a step-by-step execution trace"`
	Session SessionCommand `cmd:"" help:"Manage session execution backends"`
	Status  StatusCommand  `cmd:"" help:"Inspect backend availability and capabilities"`
}

type RunCommand struct {
	LogLevel  string   `help:"Log level (debug|info|warn|error)"`
	Stdin     string   `help:"Stdin to feed the program"`
	StdinFile string   `help:"Read stdin for the program from this file"`
	Seed      *int64   `help:"Random seed for reproducible runs"`
	Attach    []string `help:"Attach a file as name=path (repeatable)"`
	Timeout   int64    `help:"Execution timeout in seconds"`
	Session   string   `help:"Session id to execute against"`
	Ephemeral bool     `help:"Run in a one-shot sandbox with no session state"`
	JSON      bool     `help:"Print the result as JSON"`

	Script string `arg:"" optional:"" help:"Program file (default: read from stdin)"`
}

type TraceCommand struct {
	LogLevel  string   `help:"Log level (debug|info|warn|error)"`
	Stdin     string   `help:"Stdin to feed the program"`
	StdinFile string   `help:"Read stdin for the program from this file"`
	Seed      *int64   `help:"Random seed for reproducible runs"`
	Attach    []string `help:"Attach a file as name=path (repeatable)"`
	MaxSteps  int      `help:"Maximum number of recorded steps"`
	Session   string   `help:"Session id to trace against"`

	Script string `arg:"" optional:"" help:"Program file (default: read from stdin)"`
}

type SessionCommand struct {
	Prepare SessionPrepareCommand `cmd:"" help:"Assign and warm up a session's execution backend"`
	Cleanup SessionCleanupCommand `cmd:"" help:"Release a session's execution backend"`
}

type SessionPrepareCommand struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
	Session  string `arg:"" optional:"" help:"Session id (generated when omitted)"`
}

type SessionCleanupCommand struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
	Session  string `arg:"" help:"Session id"`
}

type StatusCommand struct {
	JSON bool `help:"Print the report as JSON"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	service, err := buildService(cfg)
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
		Service:    service,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("runbox"),
		kong.Description("Code execution orchestration for live coding sessions"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (c *RunCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "run")
	if err != nil {
		return err
	}
	ctx.Service.Logger = logger

	code, err := readProgram(c.Script)
	if err != nil {
		return err
	}
	stdin, err := resolveStdin(c.Stdin, c.StdinFile)
	if err != nil {
		return err
	}
	files, err := readAttachments(c.Attach)
	if err != nil {
		return err
	}

	sub := backend.Submission{
		Code: code,
		Settings: &backend.Settings{
			Stdin:         stdin,
			RandomSeed:    c.Seed,
			AttachedFiles: files,
		},
	}
	timeout := time.Duration(c.Timeout) * time.Second

	var result backend.Result
	if c.Ephemeral {
		result = ctx.Service.ExecuteEphemeral(context.Background(), sub, timeout)
	} else {
		result = ctx.Service.ExecuteCode(context.Background(), sub, timeout, c.Session)
	}

	if c.JSON {
		payload := map[string]any{
			"success":       result.Success,
			"output":        result.Output,
			"error":         result.Error,
			"executionTime": result.DurationMillis(),
		}
		if result.Stdin != "" {
			payload["stdin"] = result.Stdin
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else {
		if result.Output != "" {
			fmt.Fprint(ctx.Stdout, result.Output)
		}
		if result.Error != "" {
			fmt.Fprintln(os.Stderr, result.Error)
		}
	}

	if !result.Success {
		return exitCodeError{code: 1}
	}
	return nil
}

func (c *TraceCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "trace")
	if err != nil {
		return err
	}
	ctx.Service.Logger = logger

	code, err := readProgram(c.Script)
	if err != nil {
		return err
	}
	stdin, err := resolveStdin(c.Stdin, c.StdinFile)
	if err != nil {
		return err
	}
	files, err := readAttachments(c.Attach)
	if err != nil {
		return err
	}

	trace := ctx.Service.TraceExecution(context.Background(), code, backend.TraceOptions{
		Stdin:         stdin,
		MaxSteps:      c.MaxSteps,
		RandomSeed:    c.Seed,
		AttachedFiles: files,
		SessionID:     c.Session,
	})

	enc := json.NewEncoder(ctx.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(trace); err != nil {
		return err
	}
	if trace.Error != "" {
		return exitCodeError{code: 1}
	}
	return nil
}

func (c *SessionPrepareCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "session")
	if err != nil {
		return err
	}
	ctx.Service.Logger = logger

	sessionID := c.Session
	if sessionID == "" {
		sessionID = ids.NewSessionID()
	}
	if err := ctx.Service.PrepareForSession(context.Background(), sessionID); err != nil {
		return err
	}
	fmt.Fprintln(ctx.Stdout, sessionID)
	return nil
}

func (c *SessionCleanupCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "session")
	if err != nil {
		return err
	}
	ctx.Service.Logger = logger
	return ctx.Service.CleanupSession(context.Background(), c.Session)
}

func (c *StatusCommand) Run(ctx *runtimeContext) error {
	type report struct {
		Type         string               `json:"type"`
		Available    bool                 `json:"available"`
		Capabilities backend.Capabilities `json:"capabilities"`
		Status       backend.Status       `json:"status"`
	}

	var reports []report
	for _, reg := range ctx.Service.Registry.List() {
		entry := report{
			Type:         reg.Type,
			Available:    reg.Available == nil || reg.Available(),
			Capabilities: reg.Capabilities,
		}
		entry.Status = reg.New().Status(context.Background())
		reports = append(reports, entry)
	}

	if c.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	for _, r := range reports {
		marker := "unavailable"
		if r.Available {
			marker = "available"
		}
		fmt.Fprintf(ctx.Stdout, "%-16s %-12s %s\n", r.Type, marker, r.Status.Message)
	}
	return nil
}

func readProgram(script string) (string, error) {
	if script == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read program from stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(script)
	if err != nil {
		return "", fmt.Errorf("read program %s: %w", script, err)
	}
	return string(b), nil
}

func resolveStdin(inline, file string) (string, error) {
	if file == "" {
		return inline, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read stdin file %s: %w", file, err)
	}
	return string(b), nil
}

func readAttachments(specs []string) ([]backend.File, error) {
	var files []backend.File
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --attach %q (expected name=path)", spec)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", path, err)
		}
		files = append(files, backend.File{Name: name, Content: string(content)})
	}
	return files, nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

func buildService(cfg runtimeconfig.Config) (*executor.Service, error) {
	statePath, err := cfg.StatePath()
	if err != nil {
		return nil, err
	}
	states, err := state.NewSQLite(statePath)
	if err != nil {
		return nil, err
	}

	var client *sandboxapi.Client
	if strings.TrimSpace(cfg.Sandbox.Endpoint) != "" {
		ep, err := endpoint.Resolve(cfg.Sandbox.Endpoint)
		if err != nil {
			return nil, err
		}
		client, err = sandboxapi.New(ep, sandboxapi.WithAPIKey(cfg.Sandbox.APIKey))
		if err != nil {
			return nil, err
		}
	}

	reg := buildRegistry(cfg, states, client)
	service := executor.New(reg, states, platformClient(client), cfg, nil)
	return service, nil
}

// platformClient avoids storing a typed-nil interface in the service when no
// endpoint is configured.
func platformClient(client *sandboxapi.Client) executor.PlatformClient {
	if client == nil {
		return nil
	}
	return client
}
