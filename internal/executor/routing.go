package executor

import (
	"context"
	"fmt"

	"github.com/gantry-dev/gantry/internal/registry"
)

// Router picks an executor by the descriptor's transport. An empty
// transport means HTTP.
type Router struct {
	HTTP Executor
	SSH  Executor
}

func (r *Router) Execute(ctx context.Context, d registry.Descriptor, payload []byte) ([]byte, error) {
	switch d.Transport {
	case "", "http":
		if r.HTTP == nil {
			return nil, fmt.Errorf("http transport not configured")
		}
		return r.HTTP.Execute(ctx, d, payload)
	case "ssh":
		if r.SSH == nil {
			return nil, fmt.Errorf("ssh transport not configured")
		}
		return r.SSH.Execute(ctx, d, payload)
	default:
		return nil, fmt.Errorf("unknown transport %q for service %s", d.Transport, d.Name)
	}
}
