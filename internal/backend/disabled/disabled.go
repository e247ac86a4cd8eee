// Package disabled is the terminal fallback backend: always available, never
// executes anything. It exists so backend selection always ends in a safe,
// informative no-op instead of a nil backend.
package disabled

import (
	"context"

	"github.com/runbox/runbox/internal/backend"
)

const unavailableMessage = "Code execution is not available in this environment."

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return backend.TypeDisabled }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{}
}

func (b *Backend) Status(_ context.Context) backend.Status {
	return backend.Status{
		Available: true,
		Healthy:   true,
		Message:   "execution disabled",
	}
}

// Execute reports execution unavailable while still echoing the submitted
// stdin so clients can display what was sent.
func (b *Backend) Execute(_ context.Context, sub backend.Submission, _ backend.ExecOptions) (backend.Result, error) {
	return backend.Result{
		Success: false,
		Error:   unavailableMessage,
		Stdin:   sub.Stdin(),
	}, nil
}

func (b *Backend) Trace(_ context.Context, _ string, _ backend.TraceOptions) (backend.Trace, error) {
	return backend.ErrorTrace(unavailableMessage), nil
}
