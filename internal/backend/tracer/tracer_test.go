package tracer

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	raw := `{"steps":[{"line":1,"event":"line","locals":{},"globals":{"x":"1"},` +
		`"callStack":[{"functionName":"<module>","filename":"program.py","line":1}],` +
		`"stdout":""}],"totalSteps":1,"exitCode":0,"error":null,"truncated":false}`

	trace, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if trace.TotalSteps != 1 || len(trace.Steps) != 1 {
		t.Fatalf("unexpected trace: %+v", trace)
	}
	step := trace.Steps[0]
	if step.Line != 1 || step.Globals["x"] != "1" {
		t.Fatalf("unexpected step: %+v", step)
	}
	if len(step.Stack) != 1 || step.Stack[0].Function != "<module>" {
		t.Fatalf("unexpected stack: %+v", step.Stack)
	}
}

func TestParseTakesLastLine(t *testing.T) {
	t.Parallel()

	// Stray interpreter noise before the document is discarded.
	raw := "warning: something\n" +
		`{"steps":[],"totalSteps":0,"exitCode":1,"error":"ValueError: x","truncated":false}`
	trace, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if trace.Error != "ValueError: x" || trace.ExitCode != 1 {
		t.Fatalf("unexpected trace: %+v", trace)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := Parse(""); err == nil {
		t.Fatal("empty output accepted")
	}
	if _, err := Parse("Traceback (most recent call last)"); err == nil {
		t.Fatal("non-JSON output accepted")
	}
}

func TestScriptEmbedded(t *testing.T) {
	t.Parallel()

	if !strings.Contains(Script, "sys.settrace") {
		t.Fatal("embedded tracer script looks wrong")
	}
	if !strings.Contains(Script, "callStack") {
		t.Fatal("tracer script missing trace fields")
	}
}
