package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober checks one worker's health within the probe timeout.
type Prober interface {
	Probe(ctx context.Context, w *Worker) error
}

// StdioProber checks process liveness of a launched worker.
type StdioProber struct{}

func (StdioProber) Probe(_ context.Context, w *Worker) error {
	h := w.Handle()
	if h == nil {
		return fmt.Errorf("worker %s: no process handle", w.Descriptor.Name)
	}
	if !h.Alive() {
		return fmt.Errorf("worker %s: process not running", w.Descriptor.Name)
	}
	return nil
}

// HTTPProber performs a GET against the probe target and expects a 2xx.
type HTTPProber struct {
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, w *Worker) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Descriptor.Probe.Target, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", w.Descriptor.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: status %d", w.Descriptor.Name, resp.StatusCode)
	}
	return nil
}

// GRPCProber runs a standard gRPC health check against the probe target.
type GRPCProber struct{}

func (GRPCProber) Probe(ctx context.Context, w *Worker) error {
	conn, err := grpc.NewClient(w.Descriptor.Probe.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("probe %s: dial: %w", w.Descriptor.Name, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("probe %s: health check: %w", w.Descriptor.Name, err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("probe %s: serving status %s", w.Descriptor.Name, resp.Status)
	}
	return nil
}

// ProbeResult records the outcome of one probe cycle for a worker.
type ProbeResult struct {
	Worker    string        `json:"worker"`
	Healthy   bool          `json:"healthy"`
	State     State         `json:"state"`
	Failures  int           `json:"consecutive_failures"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}
