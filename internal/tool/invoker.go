package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/supervisor"
)

// HTTPInvoker calls workers over JSON HTTP: POST {endpoint}/invoke/{capability}
// with the step input as the body, expecting a JSON object back.
type HTTPInvoker struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPInvoker creates the default worker invoker. The per-call deadline
// comes from the caller's context, so the client itself carries no timeout.
func NewHTTPInvoker(logger *zap.Logger) *HTTPInvoker {
	return &HTTPInvoker{client: &http.Client{}, logger: logger}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, worker *supervisor.Descriptor, capability string, input map[string]interface{}) (map[string]interface{}, error) {
	if worker.Endpoint == "" {
		return nil, fmt.Errorf("worker %s has no invocation endpoint", worker.Name)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	url := worker.Endpoint + "/invoke/" + capability
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("worker %s returned %d: %s", worker.Name, resp.StatusCode, string(data))
	}

	var out map[string]interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	i.logger.Debug("worker invoked",
		zap.String("worker", worker.Name),
		zap.String("capability", capability))
	return out, nil
}
