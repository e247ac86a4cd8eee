package cli

import (
	"github.com/charmbracelet/log"
	"github.com/runbox/runbox/internal/backend"
	"github.com/runbox/runbox/internal/backend/disabled"
	"github.com/runbox/runbox/internal/backend/local"
	"github.com/runbox/runbox/internal/backend/remote"
	"github.com/runbox/runbox/internal/registry"
	"github.com/runbox/runbox/internal/runtimeconfig"
	"github.com/runbox/runbox/internal/sandboxapi"
	"github.com/runbox/runbox/internal/state"
)

// buildRegistry registers the three backend types with their availability
// predicates. Factories construct fresh instances per resolution; only the
// state repository carries anything across calls.
func buildRegistry(cfg runtimeconfig.Config, states state.Repository, client *sandboxapi.Client) *registry.Registry {
	reg := registry.New()

	remoteFactory := func() backend.Backend {
		var platform remote.PlatformClient
		if client != nil {
			platform = client
		}
		return remote.New(remote.Options{
			Client: platform,
			States: states,
			Config: cfg,
			Logger: log.Default().With("component", "remote-sandbox"),
		})
	}
	// Registration of known types cannot collide on a fresh registry.
	_ = reg.Register(registry.Registration{
		Type: backend.TypeRemoteSandbox,
		New:  remoteFactory,
		Available: func() bool {
			return cfg.Deployed && cfg.RemoteSandboxEnabled && client != nil
		},
		Capabilities: remoteFactory().Capabilities(),
	})

	localFactory := func() backend.Backend {
		return local.New(local.Options{
			Interpreter: cfg.Interpreter.Binary,
			Deployed:    cfg.Deployed,
			Logger:      log.Default().With("component", "local-process"),
		})
	}
	_ = reg.Register(registry.Registration{
		Type: backend.TypeLocalProcess,
		New:  localFactory,
		Available: func() bool {
			return !cfg.Deployed
		},
		Capabilities: localFactory().Capabilities(),
	})

	_ = reg.Register(registry.Registration{
		Type:         backend.TypeDisabled,
		New:          func() backend.Backend { return disabled.New() },
		Capabilities: disabled.New().Capabilities(),
	})

	return reg
}
