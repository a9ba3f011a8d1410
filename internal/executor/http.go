package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gantry-dev/gantry/internal/registry"
)

// HTTPExecutor POSTs payloads to the service's process endpoint, attaching
// a bearer token when the descriptor references one.
type HTTPExecutor struct {
	Client *http.Client
	Tokens TokenSource
}

func (e *HTTPExecutor) Execute(ctx context.Context, d registry.Descriptor, payload []byte) ([]byte, error) {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	url := strings.TrimRight(d.Address, "/") + "/process"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.AuthTokenRef != "" && e.Tokens != nil {
		token, ok := e.Tokens(d.AuthTokenRef)
		if !ok {
			return nil, fmt.Errorf("resolve token %q for %s: not found", d.AuthTokenRef, d.Name)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", d.Name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", d.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d: %s", d.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
