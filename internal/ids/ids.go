// Package ids generates identifiers for sessions and runs.
package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns an id for a coding session.
func NewSessionID() string {
	return newID("sess")
}

// NewRunID returns a correlation id for a single execution.
func NewRunID() string {
	return newID("run")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
