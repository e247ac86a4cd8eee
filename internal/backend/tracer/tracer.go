// Package tracer embeds the Python tracing-instrumentation script shared by
// the local and remote backends, and parses its JSON output into a trace.
package tracer

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/runbox/runbox/internal/backend"
)

//go:embed tracer.py
var Script string

// ScriptName is the filename the script is written under in execution
// environments.
const ScriptName = "tracer.py"

// DefaultMaxSteps matches the script's own default step limit.
const DefaultMaxSteps = 200

type traceOutput struct {
	Steps      []stepOutput `json:"steps"`
	TotalSteps int          `json:"totalSteps"`
	ExitCode   int          `json:"exitCode"`
	Error      *string      `json:"error"`
	Truncated  bool         `json:"truncated"`
}

type stepOutput struct {
	Line    int               `json:"line"`
	Event   string            `json:"event"`
	Locals  map[string]string `json:"locals"`
	Globals map[string]string `json:"globals"`
	Stack   []frameOutput     `json:"callStack"`
	Stdout  string            `json:"stdout"`
}

type frameOutput struct {
	Function string `json:"functionName"`
	File     string `json:"filename"`
	Line     int    `json:"line"`
}

// Parse decodes the script's stdout. The script emits exactly one JSON
// document as its last line; anything before it is discarded.
func Parse(stdout string) (backend.Trace, error) {
	raw := strings.TrimSpace(stdout)
	if raw == "" {
		return backend.Trace{}, fmt.Errorf("tracer produced no output")
	}
	if idx := strings.LastIndexByte(raw, '\n'); idx >= 0 {
		raw = raw[idx+1:]
	}

	var out traceOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return backend.Trace{}, fmt.Errorf("parse tracer output: %w", err)
	}

	trace := backend.Trace{
		Steps:      make([]backend.Step, 0, len(out.Steps)),
		TotalSteps: out.TotalSteps,
		ExitCode:   out.ExitCode,
		Truncated:  out.Truncated,
	}
	if out.Error != nil {
		trace.Error = *out.Error
	}
	for _, s := range out.Steps {
		step := backend.Step{
			Line:    s.Line,
			Event:   s.Event,
			Locals:  s.Locals,
			Globals: s.Globals,
			Stdout:  s.Stdout,
		}
		if step.Locals == nil {
			step.Locals = map[string]string{}
		}
		if step.Globals == nil {
			step.Globals = map[string]string{}
		}
		for _, f := range s.Stack {
			step.Stack = append(step.Stack, backend.Frame{
				Function: f.Function,
				File:     f.File,
				Line:     f.Line,
			})
		}
		trace.Steps = append(trace.Steps, step)
	}
	return trace, nil
}
