// Package backend defines the contract shared by all execution backends: the
// submission/result/trace shapes, the static capability record each backend
// type declares, and the Backend interface itself.
package backend

import (
	"context"
	"time"
)

// Canonical backend type names. The registry's selection order and the
// executor's session policy both key on these.
const (
	TypeRemoteSandbox = "remote-sandbox"
	TypeLocalProcess  = "local-process"
	TypeDisabled      = "disabled"
)

// Capabilities is a static, declarative description of what a backend type
// can do. It is never computed at runtime from observed behavior.
type Capabilities struct {
	Execute        bool `json:"execute"`
	Trace          bool `json:"trace"`
	AttachedFiles  bool `json:"attachedFiles"`
	Stdin          bool `json:"stdin"`
	RandomSeed     bool `json:"randomSeed"`
	Stateful       bool `json:"stateful"`
	RequiresWarmup bool `json:"requiresWarmup"`
}

// Satisfies reports whether c meets every capability the requirement map
// marks true. False or absent requirements are never restrictive.
func (c Capabilities) Satisfies(required map[string]bool) bool {
	for key, want := range required {
		if !want {
			continue
		}
		if !c.has(key) {
			return false
		}
	}
	return true
}

func (c Capabilities) has(key string) bool {
	switch key {
	case "execute":
		return c.Execute
	case "trace":
		return c.Trace
	case "attachedFiles":
		return c.AttachedFiles
	case "stdin":
		return c.Stdin
	case "randomSeed":
		return c.RandomSeed
	case "stateful":
		return c.Stateful
	case "requiresWarmup":
		return c.RequiresWarmup
	}
	return false
}

// Status is a point-in-time health report. It is never persisted.
type Status struct {
	Available bool              `json:"available"`
	Healthy   bool              `json:"healthy"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// File is one attached file in a submission.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Settings carries the optional execution knobs attached to a submission.
type Settings struct {
	Stdin         string `json:"stdin,omitempty"`
	RandomSeed    *int64 `json:"randomSeed,omitempty"`
	AttachedFiles []File `json:"attachedFiles,omitempty"`
}

// Submission is one piece of untrusted source text plus its settings.
// Constructed per call and never mutated.
type Submission struct {
	Code     string    `json:"code"`
	Settings *Settings `json:"executionSettings,omitempty"`
}

// Stdin returns the stdin payload, tolerating a nil Settings.
func (s Submission) Stdin() string {
	if s.Settings == nil {
		return ""
	}
	return s.Settings.Stdin
}

// RandomSeed returns the seed and whether one was set.
func (s Submission) RandomSeed() (int64, bool) {
	if s.Settings == nil || s.Settings.RandomSeed == nil {
		return 0, false
	}
	return *s.Settings.RandomSeed, true
}

// AttachedFiles returns the attached files, tolerating a nil Settings.
func (s Submission) AttachedFiles() []File {
	if s.Settings == nil {
		return nil
	}
	return s.Settings.AttachedFiles
}

// Result is the outcome of one Execute call. Output and Error are
// size-bounded; Error has been sanitized by the time a client sees it.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"-"`
	// Stdin echoes what was actually fed to the program, for client display.
	Stdin string `json:"stdin,omitempty"`
}

// DurationMillis is the wire representation of Duration.
func (r Result) DurationMillis() int64 {
	return r.Duration.Milliseconds()
}

// Frame is one call-stack entry in a trace step.
type Frame struct {
	Function string `json:"functionName"`
	File     string `json:"filename"`
	Line     int    `json:"line"`
}

// Step is one recorded point in a traced execution. Stdout is cumulative
// captured output up to this step.
type Step struct {
	Line    int               `json:"line"`
	Event   string            `json:"event"`
	Locals  map[string]string `json:"locals"`
	Globals map[string]string `json:"globals"`
	Stack   []Frame           `json:"callStack"`
	Stdout  string            `json:"stdout"`
}

// Trace is a step-by-step recording of a program's execution.
type Trace struct {
	Steps      []Step `json:"steps"`
	TotalSteps int    `json:"totalSteps"`
	ExitCode   int    `json:"exitCode"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated"`
}

// ErrorTrace builds the degraded trace returned when tracing itself fails.
func ErrorTrace(msg string) Trace {
	return Trace{Steps: []Step{}, ExitCode: 1, Error: msg}
}

// ExecOptions tunes one Execute call.
type ExecOptions struct {
	// Timeout bounds wall-clock execution. Zero means the backend default.
	Timeout time.Duration
	// SessionID associates the call with a session for stateful backends.
	SessionID string
}

// TraceOptions tunes one Trace call.
type TraceOptions struct {
	Stdin         string
	MaxSteps      int
	RandomSeed    *int64
	AttachedFiles []File
	Timeout       time.Duration
	SessionID     string
}

// Backend is one interchangeable execution environment. Implementations must
// be stateless beyond what they persist through the state repository: the
// registry constructs a fresh instance on every resolution.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Status(ctx context.Context) Status
	Execute(ctx context.Context, sub Submission, opts ExecOptions) (Result, error)
	Trace(ctx context.Context, code string, opts TraceOptions) (Trace, error)
}

// StatefulBackend is implemented by backends that provision a per-session
// resource at session creation and release it at session end.
type StatefulBackend interface {
	Backend
	Warmup(ctx context.Context, sessionID string) error
	Cleanup(ctx context.Context, sessionID string) error
}
