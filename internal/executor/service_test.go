package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/registry"
	"github.com/runbox/runbox/internal/runtimeconfig"
	"github.com/runbox/runbox/internal/state"
)

// fakeBackend is a scriptable backend for exercising the service without any
// real execution machinery.
type fakeBackend struct {
	name      string
	caps      backend.Capabilities
	available bool

	execResult backend.Result
	execErr    error
	traceOut   backend.Trace
	traceErr   error

	executed   int
	warmups    []string
	cleanups   []string
	warmupErr  error
	cleanupErr error
}

func (f *fakeBackend) Name() string                       { return f.name }
func (f *fakeBackend) Capabilities() backend.Capabilities { return f.caps }

func (f *fakeBackend) Status(context.Context) backend.Status {
	return backend.Status{Available: f.available, Healthy: f.available}
}

func (f *fakeBackend) Execute(_ context.Context, sub backend.Submission, _ backend.ExecOptions) (backend.Result, error) {
	f.executed++
	if f.execErr != nil {
		return backend.Result{}, f.execErr
	}
	result := f.execResult
	result.Stdin = sub.Stdin()
	return result, nil
}

func (f *fakeBackend) Trace(context.Context, string, backend.TraceOptions) (backend.Trace, error) {
	if f.traceErr != nil {
		return backend.Trace{}, f.traceErr
	}
	return f.traceOut, nil
}

func (f *fakeBackend) Warmup(_ context.Context, sessionID string) error {
	f.warmups = append(f.warmups, sessionID)
	return f.warmupErr
}

func (f *fakeBackend) Cleanup(_ context.Context, sessionID string) error {
	f.cleanups = append(f.cleanups, sessionID)
	return f.cleanupErr
}

func registerFake(t *testing.T, reg *registry.Registry, fake *fakeBackend) {
	t.Helper()
	err := reg.Register(registry.Registration{
		Type:         fake.name,
		New:          func() backend.Backend { return fake },
		Available:    func() bool { return fake.available },
		Capabilities: fake.caps,
	})
	if err != nil {
		t.Fatalf("Register %s: %v", fake.name, err)
	}
}

func newTestService(t *testing.T, cfg runtimeconfig.Config, fakes ...*fakeBackend) (*Service, *state.MemoryRepository) {
	t.Helper()
	reg := registry.New()
	for _, fake := range fakes {
		registerFake(t, reg, fake)
	}
	states := state.NewMemory()
	return New(reg, states, nil, cfg, nil), states
}

func TestExecuteCodeNoBackend(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, runtimeconfig.Config{})

	result := svc.ExecuteCode(context.Background(), backend.Submission{Code: "print(1)"}, 0, "")
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "No backend available" {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestExecuteCodeUsesAssignedBackend(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{
		name:       backend.TypeLocalProcess,
		caps:       backend.Capabilities{Execute: true},
		available:  true,
		execResult: backend.Result{Success: true, Output: "local"},
	}
	disabled := &fakeBackend{
		name:       backend.TypeDisabled,
		caps:       backend.Capabilities{},
		available:  true,
		execResult: backend.Result{Success: false, Error: "off"},
	}
	svc, states := newTestService(t, runtimeconfig.Config{}, local, disabled)
	ctx := context.Background()

	// The priority chain would pick local; the assignment pins disabled.
	if err := states.AssignBackend(ctx, "sess-1", backend.TypeDisabled); err != nil {
		t.Fatalf("AssignBackend: %v", err)
	}
	result := svc.ExecuteCode(ctx, backend.Submission{Code: "print(1)"}, 0, "sess-1")
	if result.Output == "local" {
		t.Fatal("assignment ignored")
	}
	if local.executed != 0 {
		t.Fatal("wrong backend executed")
	}
}

func TestExecuteCodeStaleAssignmentFallsBack(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{
		name:       backend.TypeLocalProcess,
		caps:       backend.Capabilities{Execute: true},
		available:  true,
		execResult: backend.Result{Success: true, Output: "local"},
	}
	svc, states := newTestService(t, runtimeconfig.Config{}, local)
	ctx := context.Background()

	// Assignment names a type with no registration.
	if err := states.AssignBackend(ctx, "sess-1", backend.TypeRemoteSandbox); err != nil {
		t.Fatalf("AssignBackend: %v", err)
	}
	result := svc.ExecuteCode(ctx, backend.Submission{Code: "print(1)"}, 0, "sess-1")
	if !result.Success || result.Output != "local" {
		t.Fatalf("fallback did not select local: %+v", result)
	}
}

func TestExecuteCodeSanitizesFailureErrors(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{
		name:      backend.TypeLocalProcess,
		caps:      backend.Capabilities{Execute: true},
		available: true,
		execResult: backend.Result{
			Success: false,
			Error:   "Traceback:\n  File \"/tmp/runbox/program.py\", line 1\n[Errno 2] No such file",
		},
	}
	svc, _ := newTestService(t, runtimeconfig.Config{}, local)

	result := svc.ExecuteCode(context.Background(), backend.Submission{Code: "x"}, 0, "")
	if strings.Contains(result.Error, "/tmp/runbox") {
		t.Fatalf("path leaked: %q", result.Error)
	}
	if !strings.Contains(result.Error, `File "<student code>"`) {
		t.Fatalf("frame not rewritten: %q", result.Error)
	}
	if strings.Contains(result.Error, "Errno") {
		t.Fatalf("errno leaked: %q", result.Error)
	}
}

func TestExecuteCodeSuccessOutputUntouched(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{
		name:      backend.TypeLocalProcess,
		caps:      backend.Capabilities{Execute: true},
		available: true,
		execResult: backend.Result{
			Success: true,
			Output:  `my file is at File "/home/user/data.txt"`,
		},
	}
	svc, _ := newTestService(t, runtimeconfig.Config{}, local)

	result := svc.ExecuteCode(context.Background(), backend.Submission{Code: "x"}, 0, "")
	if !strings.Contains(result.Output, "/home/user/data.txt") {
		t.Fatalf("successful output rewritten: %q", result.Output)
	}
}

func TestExecuteCodeBackendErrorBecomesResult(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{
		name:      backend.TypeLocalProcess,
		caps:      backend.Capabilities{Execute: true},
		available: true,
		execErr: backend.NewSandboxError(backend.CodeUnavailable, "execute", "sbx-1",
			errors.New("connection refused")),
	}
	svc, _ := newTestService(t, runtimeconfig.Config{}, local)

	result := svc.ExecuteCode(context.Background(), backend.Submission{Code: "x"}, 0, "")
	if result.Success {
		t.Fatal("expected failure")
	}
	want := "Code execution temporarily unavailable: " + string(backend.CodeUnavailable)
	if result.Error != want {
		t.Fatalf("error = %q, want %q", result.Error, want)
	}
	if strings.Contains(result.Error, "connection refused") {
		t.Fatalf("internal detail leaked: %q", result.Error)
	}
}

func TestTraceExecutionCapabilityGate(t *testing.T) {
	t.Parallel()
	noTrace := &fakeBackend{
		name:      backend.TypeDisabled,
		caps:      backend.Capabilities{Execute: true},
		available: true,
	}
	svc, _ := newTestService(t, runtimeconfig.Config{}, noTrace)

	trace := svc.TraceExecution(context.Background(), "x = 1", backend.TraceOptions{})
	if trace.Error != "Tracing not available" {
		t.Fatalf("trace error = %q", trace.Error)
	}
	if trace.Steps == nil {
		t.Fatal("failed trace must carry an empty step slice, not nil")
	}
}

func TestTraceExecutionNoBackend(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, runtimeconfig.Config{})

	trace := svc.TraceExecution(context.Background(), "x = 1", backend.TraceOptions{})
	if trace.Error != "No backend available" {
		t.Fatalf("trace error = %q", trace.Error)
	}
}

func TestTraceExecutionSanitizesTraceError(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{
		name:      backend.TypeLocalProcess,
		caps:      backend.Capabilities{Execute: true, Trace: true},
		available: true,
		traceOut:  backend.ErrorTrace(`File "/srv/box/program.py", line 3: boom`),
	}
	svc, _ := newTestService(t, runtimeconfig.Config{}, local)

	trace := svc.TraceExecution(context.Background(), "x = 1", backend.TraceOptions{})
	if strings.Contains(trace.Error, "/srv/box") {
		t.Fatalf("path leaked: %q", trace.Error)
	}
}

func TestPrepareForSessionPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     runtimeconfig.Config
		want    string
		warmups int
	}{
		{"development", runtimeconfig.Config{}, backend.TypeLocalProcess, 0},
		{"deployed without sandbox", runtimeconfig.Config{Deployed: true}, backend.TypeDisabled, 0},
		{"deployed with sandbox", runtimeconfig.Config{Deployed: true, RemoteSandboxEnabled: true}, backend.TypeRemoteSandbox, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			remote := &fakeBackend{
				name:      backend.TypeRemoteSandbox,
				caps:      backend.Capabilities{Execute: true, Stateful: true, RequiresWarmup: true},
				available: true,
			}
			local := &fakeBackend{name: backend.TypeLocalProcess, caps: backend.Capabilities{Execute: true}, available: true}
			disabled := &fakeBackend{name: backend.TypeDisabled, available: true}
			svc, states := newTestService(t, tc.cfg, remote, local, disabled)
			ctx := context.Background()

			if err := svc.PrepareForSession(ctx, "sess-1"); err != nil {
				t.Fatalf("PrepareForSession: %v", err)
			}
			assigned, err := states.AssignedBackend(ctx, "sess-1")
			if err != nil {
				t.Fatalf("AssignedBackend: %v", err)
			}
			if assigned != tc.want {
				t.Fatalf("assigned = %q, want %q", assigned, tc.want)
			}
			if len(remote.warmups) != tc.warmups {
				t.Fatalf("warmups = %v, want %d", remote.warmups, tc.warmups)
			}
		})
	}
}

func TestPrepareForSessionEmptyID(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, runtimeconfig.Config{})

	if err := svc.PrepareForSession(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestPrepareForSessionWarmupFailureSurfaces(t *testing.T) {
	t.Parallel()
	remote := &fakeBackend{
		name:      backend.TypeRemoteSandbox,
		caps:      backend.Capabilities{Execute: true, Stateful: true},
		available: true,
		warmupErr: errors.New("capacity"),
	}
	cfg := runtimeconfig.Config{Deployed: true, RemoteSandboxEnabled: true}
	svc, states := newTestService(t, cfg, remote)
	ctx := context.Background()

	if err := svc.PrepareForSession(ctx, "sess-1"); err == nil {
		t.Fatal("expected error")
	}
	// The assignment is kept; later calls report unavailable rather than
	// silently picking a different backend.
	if assigned, err := states.AssignedBackend(ctx, "sess-1"); err != nil || assigned != backend.TypeRemoteSandbox {
		t.Fatalf("assignment = %q, %v", assigned, err)
	}
}

func TestCleanupSessionRunsBackendCleanup(t *testing.T) {
	t.Parallel()
	remote := &fakeBackend{
		name:      backend.TypeRemoteSandbox,
		caps:      backend.Capabilities{Execute: true, Stateful: true},
		available: true,
	}
	cfg := runtimeconfig.Config{Deployed: true, RemoteSandboxEnabled: true}
	svc, states := newTestService(t, cfg, remote)
	ctx := context.Background()

	if err := svc.PrepareForSession(ctx, "sess-1"); err != nil {
		t.Fatalf("PrepareForSession: %v", err)
	}
	if err := svc.CleanupSession(ctx, "sess-1"); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	if len(remote.cleanups) != 1 || remote.cleanups[0] != "sess-1" {
		t.Fatalf("cleanups = %v", remote.cleanups)
	}
	if _, err := states.AssignedBackend(ctx, "sess-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("assignment survived cleanup: %v", err)
	}
}

func TestCleanupSessionIdempotent(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{name: backend.TypeLocalProcess, caps: backend.Capabilities{Execute: true}, available: true}
	svc, _ := newTestService(t, runtimeconfig.Config{}, local)
	ctx := context.Background()

	if err := svc.PrepareForSession(ctx, "sess-1"); err != nil {
		t.Fatalf("PrepareForSession: %v", err)
	}
	if err := svc.CleanupSession(ctx, "sess-1"); err != nil {
		t.Fatalf("first CleanupSession: %v", err)
	}
	if err := svc.CleanupSession(ctx, "sess-1"); err != nil {
		t.Fatalf("second CleanupSession: %v", err)
	}
	if err := svc.CleanupSession(ctx, "never-existed"); err != nil {
		t.Fatalf("CleanupSession for unknown session: %v", err)
	}
}

func TestCleanupSessionBackendFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	remote := &fakeBackend{
		name:       backend.TypeRemoteSandbox,
		caps:       backend.Capabilities{Execute: true, Stateful: true},
		available:  true,
		cleanupErr: errors.New("platform down"),
	}
	cfg := runtimeconfig.Config{Deployed: true, RemoteSandboxEnabled: true}
	svc, states := newTestService(t, cfg, remote)
	ctx := context.Background()

	if err := svc.PrepareForSession(ctx, "sess-1"); err != nil {
		t.Fatalf("PrepareForSession: %v", err)
	}
	if err := svc.CleanupSession(ctx, "sess-1"); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	if _, err := states.AssignedBackend(ctx, "sess-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatal("assignment must be deleted even when the backend cleanup fails")
	}
}

func TestExecuteCodeTimeoutPassedThrough(t *testing.T) {
	t.Parallel()
	local := &fakeBackend{
		name:       backend.TypeLocalProcess,
		caps:       backend.Capabilities{Execute: true},
		available:  true,
		execResult: backend.Result{Success: true},
	}
	svc, _ := newTestService(t, runtimeconfig.Config{}, local)

	result := svc.ExecuteCode(context.Background(), backend.Submission{Code: "x"}, 3*time.Second, "")
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if local.executed != 1 {
		t.Fatalf("executed = %d", local.executed)
	}
}
