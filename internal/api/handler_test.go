package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/coordinator"
	"github.com/nidhogg/conductor/internal/supervisor"
	"github.com/nidhogg/conductor/internal/tool"
	"github.com/nidhogg/conductor/internal/workflow"
)

// newTestHandler wires a Handler with in-memory deps (no Postgres/Redis/Neo4j).
func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	reg := tool.NewRegistry(logger)
	if err := tool.RegisterBuiltins(reg); err != nil {
		t.Fatal(err)
	}
	engine := workflow.NewEngine(reg, logger)

	sup := supervisor.New(supervisor.DefaultConfig(), nil, nil, logger)
	coord := coordinator.New(time.Minute, logger)

	h := NewHandler(engine, sup, coord, nil, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func putJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest("PUT", ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthAndReadiness(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health supervisor.Health
	decodeJSON(t, resp, &health)
	if !health.Ready || health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}

	resp = getJSON(t, ts, "/api/ready")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWorkflowRegisterExecuteRoundTrip(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	def := map[string]interface{}{
		"name": "echo-flow",
		"steps": []map[string]interface{}{
			{"name": "say", "tool": "echo", "input": map[string]interface{}{"text": "${trigger.text}"}},
		},
	}
	resp := postJSON(t, ts, "/api/workflows", def)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/workflows/echo-flow/execute", map[string]interface{}{
		"payload": map[string]interface{}{"text": "hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}
	var res workflow.Result
	decodeJSON(t, resp, &res)
	if res.Status != workflow.ExecCompleted {
		t.Fatalf("execution status = %s, errors = %v", res.Status, res.Errors)
	}

	resp = getJSON(t, ts, "/api/executions/"+res.ExecutionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get execution status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegisterWorkflowRejectsInvalid(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/workflows", map[string]interface{}{"name": "empty"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExecuteUnknownWorkflowIs404(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/workflows/ghost/execute", map[string]interface{}{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWorkerRoutes(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	if err := h.sup.Register(&supervisor.Descriptor{
		Name:    "summarizer",
		Enabled: true,
		Probe:   supervisor.ProbeSpec{Type: supervisor.ProbeHTTP, Target: "http://localhost:1/health"},
	}); err != nil {
		t.Fatal(err)
	}

	resp := getJSON(t, ts, "/api/workers")
	var workers []supervisor.Status
	decodeJSON(t, resp, &workers)
	if len(workers) != 1 || workers[0].Name != "summarizer" {
		t.Fatalf("workers = %+v", workers)
	}

	resp = postJSON(t, ts, "/api/workers/summarizer/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/workers/ghost/reset", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reset status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAgentAndMessageRoutes(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	for _, id := range []string{"researcher", "writer"} {
		resp := postJSON(t, ts, "/api/agents", map[string]interface{}{
			"id": id, "name": id, "capabilities": []string{"analyze"},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register %s status = %d", id, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := postJSON(t, ts, "/api/messages", map[string]interface{}{
		"from": "researcher", "to": "writer", "subject": "draft", "priority": 5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents/writer/messages?limit=5")
	var msgs []coordinator.Message
	decodeJSON(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].Subject != "draft" {
		t.Fatalf("messages = %+v", msgs)
	}

	// Missing "to" fans out to everyone but the sender.
	resp = postJSON(t, ts, "/api/messages", map[string]interface{}{
		"from": "researcher", "subject": "standup",
	})
	var broadcast map[string][]string
	decodeJSON(t, resp, &broadcast)
	if len(broadcast["message_ids"]) != 1 {
		t.Fatalf("broadcast = %+v", broadcast)
	}
}

func TestTaskRoutes(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{
		"id": "worker-1", "name": "Worker", "capabilities": []string{"summarize"},
	})
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"type": "summarize", "description": "weekly digest",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var task coordinator.Task
	decodeJSON(t, resp, &task)
	if task.AssignedTo != "worker-1" {
		t.Fatalf("task not auto-assigned: %+v", task)
	}

	resp = putJSON(t, ts, "/api/tasks/"+task.ID+"/status", map[string]interface{}{
		"status": "in_progress",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/tasks/"+task.ID)
	var got coordinator.Task
	decodeJSON(t, resp, &got)
	if got.Status != coordinator.TaskInProgress {
		t.Fatalf("task status = %s", got.Status)
	}

	resp = getJSON(t, ts, "/api/tasks/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatsEndpoint(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats map[string]interface{}
	decodeJSON(t, resp, &stats)
	for _, key := range []string{"engine", "coordinator", "workers"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("stats missing %q: %v", key, stats)
		}
	}
}

func TestLineageRoutesUnavailableWithoutGraph(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	for _, path := range []string{"/api/lineage/deploy", "/api/lineage/deploy/failures"} {
		resp := getJSON(t, ts, path)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("GET %s status = %d, want 503", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestUpdateTaskStatusRejectsUnknownValue(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	h.coord.RegisterAgent("worker-1", "Worker", []string{"scan"})
	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{"type": "scan"})
	var task map[string]interface{}
	decodeJSON(t, resp, &task)
	id, _ := task["id"].(string)

	resp = putJSON(t, ts, "/api/tasks/"+id+"/status", map[string]interface{}{"status": "exploded"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()
}
