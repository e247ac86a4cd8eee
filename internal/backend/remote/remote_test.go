package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/runtimeconfig"
	"github.com/runbox/runbox/internal/sandboxapi"
	"github.com/runbox/runbox/internal/state"
)

// fakePlatform is an in-memory sandbox platform. Each method can be
// overridden per test; unset hooks fall back to a working default.
type fakePlatform struct {
	nextID   int
	statuses map[string]string
	written  map[string][]sandboxapi.FileEntry
	commands []string
	stopped  []string

	createErr error
	getErr    error
	runErr    error
	runResult sandboxapi.CommandResult
	runHook   func(ctx context.Context) (sandboxapi.CommandResult, error)
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		statuses: map[string]string{},
		written:  map[string][]sandboxapi.FileEntry{},
	}
}

func (f *fakePlatform) CreateSandbox(_ context.Context, runtime string, _ time.Duration) (sandboxapi.Sandbox, error) {
	if f.createErr != nil {
		return sandboxapi.Sandbox{}, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("sbx-%d", f.nextID)
	f.statuses[id] = sandboxapi.StatusRunning
	return sandboxapi.Sandbox{ID: id, Runtime: runtime, Status: sandboxapi.StatusRunning}, nil
}

func (f *fakePlatform) GetSandbox(_ context.Context, id string) (sandboxapi.Sandbox, error) {
	if f.getErr != nil {
		return sandboxapi.Sandbox{}, f.getErr
	}
	status, ok := f.statuses[id]
	if !ok {
		return sandboxapi.Sandbox{}, &sandboxapi.APIError{StatusCode: 404, Message: "not found"}
	}
	return sandboxapi.Sandbox{ID: id, Status: status}, nil
}

func (f *fakePlatform) WriteFiles(_ context.Context, id string, files []sandboxapi.FileEntry) error {
	f.written[id] = files
	return nil
}

func (f *fakePlatform) RunCommand(ctx context.Context, id, command string, args []string, _ string) (sandboxapi.CommandResult, error) {
	f.commands = append(f.commands, command+" "+strings.Join(args, " "))
	if f.runHook != nil {
		return f.runHook(ctx)
	}
	if f.runErr != nil {
		return sandboxapi.CommandResult{}, f.runErr
	}
	return f.runResult, nil
}

func (f *fakePlatform) StopSandbox(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	delete(f.statuses, id)
	return nil
}

func testConfig() runtimeconfig.Config {
	cfg := runtimeconfig.Config{Deployed: true, RemoteSandboxEnabled: true}
	cfg.Sandbox.Runtime = "python3"
	return cfg
}

func newTestBackend(platform *fakePlatform) (*Backend, *state.MemoryRepository) {
	states := state.NewMemory()
	b := New(Options{Client: platform, States: states, Config: testConfig()})
	return b, states
}

func TestWarmupProvisionsAndPersists(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	b, states := newTestBackend(platform)
	ctx := context.Background()

	if err := states.AssignBackend(ctx, "sess-1", b.Name()); err != nil {
		t.Fatalf("AssignBackend: %v", err)
	}
	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	sandboxID, err := states.State(ctx, "sess-1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if _, ok := platform.statuses[sandboxID]; !ok {
		t.Fatalf("persisted id %q was never created", sandboxID)
	}
}

func TestWarmupWithoutAssignmentCreatesOne(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	b, states := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-orphan"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	assigned, err := states.AssignedBackend(ctx, "sess-orphan")
	if err != nil {
		t.Fatalf("AssignedBackend: %v", err)
	}
	if assigned != backend.TypeRemoteSandbox {
		t.Fatalf("assigned = %q", assigned)
	}
}

func TestWarmupCreateFailure(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.createErr = errors.New("capacity")
	b, _ := newTestBackend(platform)

	err := b.Warmup(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if code := backend.SandboxErrorCode(err); code != backend.CodeCreationFailed {
		t.Fatalf("code = %q", code)
	}
}

func TestExecuteReusesRunningSandbox(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.runResult = sandboxapi.CommandResult{ExitCode: 0, Stdout: "hi\n"}
	b, states := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	before, _ := states.State(ctx, "sess-1")

	result, err := b.Execute(ctx, backend.Submission{Code: "print('hi')"},
		backend.ExecOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Output != "hi\n" {
		t.Fatalf("result = %+v", result)
	}
	after, _ := states.State(ctx, "sess-1")
	if before != after {
		t.Fatalf("sandbox replaced without cause: %q -> %q", before, after)
	}
	if len(platform.written[after]) == 0 {
		t.Fatal("no files written to sandbox")
	}
}

func TestExecuteRecreatesExpiredSandbox(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.runResult = sandboxapi.CommandResult{ExitCode: 0, Stdout: "ok"}
	b, states := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	before, _ := states.State(ctx, "sess-1")
	// Simulate the platform reclaiming the sandbox.
	platform.statuses[before] = sandboxapi.StatusStopped

	result, err := b.Execute(ctx, backend.Submission{Code: "print('ok')"},
		backend.ExecOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	after, _ := states.State(ctx, "sess-1")
	if after == before {
		t.Fatal("expired sandbox was not replaced")
	}
}

func TestExecuteReconnectionFailure(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	b, states := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	id, _ := states.State(ctx, "sess-1")
	platform.statuses[id] = sandboxapi.StatusStopped
	platform.createErr = errors.New("quota exceeded")

	result, err := b.Execute(ctx, backend.Submission{Code: "print(1)"},
		backend.ExecOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	want := "Code execution temporarily unavailable: " + string(backend.CodeReconnectionFailed)
	if result.Error != want {
		t.Fatalf("error = %q, want %q", result.Error, want)
	}
}

func TestExecuteWithoutSession(t *testing.T) {
	t.Parallel()
	b, _ := newTestBackend(newFakePlatform())

	result, err := b.Execute(context.Background(),
		backend.Submission{Code: "print(1)"}, backend.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "temporarily unavailable") {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.runHook = func(ctx context.Context) (sandboxapi.CommandResult, error) {
		<-ctx.Done()
		return sandboxapi.CommandResult{}, ctx.Err()
	}
	b, _ := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	result, err := b.Execute(ctx, backend.Submission{Code: "while True: pass"},
		backend.ExecOptions{SessionID: "sess-1", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "Execution timed out after 50ms" {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.runResult = sandboxapi.CommandResult{
		ExitCode: 1,
		Stdout:   "partial\n",
		Stderr:   "Traceback (most recent call last):\nValueError: boom\n",
	}
	b, _ := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	result, err := b.Execute(ctx, backend.Submission{Code: "raise ValueError('boom')"},
		backend.ExecOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "ValueError: boom") {
		t.Fatalf("error = %q", result.Error)
	}
	if result.Output != "partial\n" {
		t.Fatalf("output = %q", result.Output)
	}
}

func TestExecuteStdinRedirectsThroughFile(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.runResult = sandboxapi.CommandResult{ExitCode: 0}
	b, states := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	sub := backend.Submission{
		Code:     "input()",
		Settings: &backend.Settings{Stdin: "hello\n"},
	}
	if _, err := b.Execute(ctx, sub, backend.ExecOptions{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	id, _ := states.State(ctx, "sess-1")
	var haveStdin bool
	for _, f := range platform.written[id] {
		if f.Path == stdinFilename && f.Content == "hello\n" {
			haveStdin = true
		}
	}
	if !haveStdin {
		t.Fatalf("stdin file not written: %+v", platform.written[id])
	}
	if len(platform.commands) == 0 || !strings.Contains(platform.commands[len(platform.commands)-1], "< "+stdinFilename) {
		t.Fatalf("command missing stdin redirection: %v", platform.commands)
	}
}

func TestTraceParsesTracerOutput(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.runResult = sandboxapi.CommandResult{
		ExitCode: 0,
		Stdout:   `{"steps":[{"line":1,"event":"line","locals":{},"globals":{"x":"1"},"callStack":[],"stdout":""}],"totalSteps":1,"exitCode":0,"error":null,"truncated":false}` + "\n",
	}
	b, _ := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	trace, err := b.Trace(ctx, "x = 1", backend.TraceOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if trace.Error != "" || trace.TotalSteps != 1 {
		t.Fatalf("trace = %+v", trace)
	}
	if trace.Steps[0].Globals["x"] != "1" {
		t.Fatalf("globals = %+v", trace.Steps[0].Globals)
	}
}

func TestTraceTimeoutIsHardFailure(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.runHook = func(ctx context.Context) (sandboxapi.CommandResult, error) {
		<-ctx.Done()
		return sandboxapi.CommandResult{}, ctx.Err()
	}
	b, _ := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	trace, err := b.Trace(ctx, "while True: pass",
		backend.TraceOptions{SessionID: "sess-1", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if trace.Error != "Trace timed out after 50ms" {
		t.Fatalf("trace error = %q", trace.Error)
	}
	if len(trace.Steps) != 0 {
		t.Fatal("timeout must not return a partial trace")
	}
}

func TestCleanupStopsAndDeletes(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	b, states := newTestBackend(platform)
	ctx := context.Background()

	if err := b.Warmup(ctx, "sess-1"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	id, _ := states.State(ctx, "sess-1")

	if err := b.Cleanup(ctx, "sess-1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(platform.stopped) != 1 || platform.stopped[0] != id {
		t.Fatalf("stopped = %v", platform.stopped)
	}
	if _, err := states.State(ctx, "sess-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("state survived cleanup: %v", err)
	}
}

func TestCleanupWithoutStateIsNoop(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	b, _ := newTestBackend(platform)

	if err := b.Cleanup(context.Background(), "sess-missing"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(platform.stopped) != 0 {
		t.Fatalf("stopped = %v", platform.stopped)
	}
}

func TestStatusGates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		deployed  bool
		enabled   bool
		client    PlatformClient
		available bool
	}{
		{"all keys present", true, true, newFakePlatform(), true},
		{"not deployed", false, true, newFakePlatform(), false},
		{"feature disabled", true, false, newFakePlatform(), false},
		{"no client", true, true, nil, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := runtimeconfig.Config{Deployed: tc.deployed, RemoteSandboxEnabled: tc.enabled}
			b := New(Options{Client: tc.client, States: state.NewMemory(), Config: cfg})
			if status := b.Status(context.Background()); status.Available != tc.available {
				t.Fatalf("available = %v, want %v", status.Available, tc.available)
			}
		})
	}
}
