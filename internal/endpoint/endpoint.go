// Package endpoint resolves the remote sandbox platform address from a flag
// value, the environment, or defaults. Supported schemes: http, https, and
// unix (a local platform emulator listening on a socket).
package endpoint

import (
	"fmt"
	"strings"
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string
}

// Resolve parses a raw endpoint value. An empty value is an error: unlike a
// local control socket there is no sensible default address for a remote
// platform.
func Resolve(raw string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Endpoint{}, fmt.Errorf("sandbox platform endpoint is not configured")
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: value}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}
