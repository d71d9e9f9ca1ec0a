package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RegisterBuiltins adds the tools every deployment gets for free.
func RegisterBuiltins(r *Registry) error {
	for _, tl := range []Tool{EchoTool{}, DelayTool{}, HTTPGetTool{}, JSONMapTool{}} {
		if err := r.Register(tl, ""); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool returns its input unchanged. Useful for wiring and tests.
type EchoTool struct{}

func (EchoTool) Name() string { return "echo" }

func (EchoTool) Execute(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out, nil
}

// DelayTool sleeps for the requested duration, honoring cancellation.
type DelayTool struct{}

func (DelayTool) Name() string { return "delay" }

func (DelayTool) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	raw, _ := input["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("delay: bad duration %q: %w", raw, err)
	}
	select {
	case <-time.After(d):
		return map[string]interface{}{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HTTPGetTool fetches a URL and returns status and body.
type HTTPGetTool struct {
	Client *http.Client
}

func (HTTPGetTool) Name() string { return "http.get" }

func (t HTTPGetTool) Execute(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	url, _ := input["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http.get: url is required")
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http.get: %w", err)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http.get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("http.get %s: read body: %w", url, err)
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

// JSONMapTool projects a value out of its input: with "path" set it walks
// dotted keys through nested maps, otherwise it passes "value" through.
type JSONMapTool struct{}

func (JSONMapTool) Name() string { return "json.map" }

func (JSONMapTool) Execute(_ context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	val, ok := input["value"]
	if !ok {
		return nil, fmt.Errorf("json.map: value is required")
	}

	path, _ := input["path"].(string)
	if path == "" {
		return map[string]interface{}{"result": val}, nil
	}

	cur := val
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("json.map: %q is not an object at %q", path, part)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("json.map: path %q not found at %q", path, part)
		}
	}
	return map[string]interface{}{"result": cur}, nil
}
