// Package executor sends dispatched payloads to service endpoints. The
// transport is chosen per descriptor: HTTP process endpoints for networked
// services, SSH command execution for spool-style services.
package executor

import (
	"context"

	"github.com/gantry-dev/gantry/internal/registry"
)

// Executor delivers one payload to a service and returns the response.
type Executor interface {
	Execute(ctx context.Context, d registry.Descriptor, payload []byte) ([]byte, error)
}

// TokenSource resolves an auth token reference from a descriptor to a
// secret value. The bool reports whether the reference resolved.
type TokenSource func(ref string) (string, bool)
