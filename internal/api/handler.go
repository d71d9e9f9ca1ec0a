package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/coordinator"
	"github.com/nidhogg/conductor/internal/lineage"
	"github.com/nidhogg/conductor/internal/supervisor"
	"github.com/nidhogg/conductor/internal/trigger"
	"github.com/nidhogg/conductor/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *workflow.Engine
	sup      *supervisor.Supervisor
	coord    *coordinator.Coordinator
	triggers *trigger.Source
	graph    *lineage.Graph
	logger   *zap.Logger
}

// NewHandler creates an API handler. triggers may be nil when no trigger
// source is configured; webhook routes then 404.
func NewHandler(
	engine *workflow.Engine,
	sup *supervisor.Supervisor,
	coord *coordinator.Coordinator,
	triggers *trigger.Source,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:   engine,
		sup:      sup,
		coord:    coord,
		triggers: triggers,
		logger:   logger,
	}
}

// SetLineage attaches the execution lineage graph. Lineage routes answer
// 503 until one is set.
func (h *Handler) SetLineage(g *lineage.Graph) {
	h.graph = g
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/ready", h.readiness)
		r.Get("/stats", h.stats)

		// Worker routes
		r.Get("/workers", h.listWorkers)
		r.Post("/workers/{name}/reset", h.resetWorker)
		r.Post("/workers/{name}/restart", h.restartWorker)

		// Workflow routes
		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows", h.registerWorkflow)
		r.Get("/workflows/{name}", h.getWorkflow)
		r.Post("/workflows/{name}/execute", h.executeWorkflow)

		// Execution routes
		r.Get("/executions", h.listExecutions)
		r.Get("/executions/{id}", h.getExecution)
		r.Post("/executions/{id}/cancel", h.cancelExecution)

		// Lineage routes
		r.Get("/lineage/{workflow}", h.lineageHistory)
		r.Get("/lineage/{workflow}/failures", h.lineageFailures)

		// Coordinator routes
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}/messages", h.receiveMessages)
		r.Post("/messages", h.sendMessage)
		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.createTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Put("/tasks/{id}/status", h.updateTaskStatus)
		r.Post("/tasks/{id}/resubmit", h.resubmitTask)
	})

	// Webhook triggers live outside /api so paths can be granted to
	// external systems verbatim.
	r.Post("/hooks/*", h.webhook)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := h.sup.Health()
	status := http.StatusOK
	if health.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	health := h.sup.Health()
	if !health.Ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine":      h.engine.Stats(),
		"coordinator": h.coord.Stats(),
		"workers":     h.sup.Health(),
	})
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.Statuses())
}

func (h *Handler) resetWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.sup.Reset(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": name, "state": "idle"})
}

func (h *Handler) restartWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.sup.Restart(r.Context(), name); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": name, "state": "spawning"})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Definitions())
}

func (h *Handler) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.engine.Register(&def); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, err := h.engine.Definition(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type executeRequest struct {
	Payload map[string]interface{} `json:"payload"`
	UserID  string                 `json:"user_id,omitempty"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.engine.Execute(r.Context(), name, req.Payload, workflow.ExecOptions{UserID: req.UserID})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workflow.ErrUnknownWorkflow) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Executions())
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.engine.Execution(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, workflow.ErrUnknownExecution) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution": id, "status": "cancelling"})
}

func (h *Handler) lineageHistory(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "lineage graph not configured"})
		return
	}
	name := chi.URLParam(r, "workflow")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := h.graph.History(r.Context(), name, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) lineageFailures(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "lineage graph not configured"})
		return
	}
	name := chi.URLParam(r, "workflow")
	counts, err := h.graph.FailureCounts(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	if h.triggers == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no trigger source configured"})
		return
	}
	wf, ok := h.triggers.WebhookWorkflow(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no workflow bound to " + r.URL.Path})
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		payload = map[string]interface{}{}
	}

	res, err := h.engine.Execute(r.Context(), wf, payload, workflow.ExecOptions{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type registerAgentRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Agents())
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent id is required"})
		return
	}
	a := h.coord.RegisterAgent(req.ID, req.Name, req.Capabilities)
	writeJSON(w, http.StatusCreated, a)
}

type sendMessageRequest struct {
	From     string                 `json:"from"`
	To       string                 `json:"to,omitempty"`
	Subject  string                 `json:"subject"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Priority int                    `json:"priority,omitempty"`
	TTLMs    int                    `json:"ttl_ms,omitempty"`
	Exclude  []string               `json:"exclude,omitempty"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	opts := coordinator.SendOptions{
		Priority: req.Priority,
		TTL:      time.Duration(req.TTLMs) * time.Millisecond,
	}

	// Empty "to" means broadcast.
	if req.To == "" {
		ids := h.coord.Broadcast(req.From, req.Subject, req.Payload, req.Exclude, opts)
		writeJSON(w, http.StatusOK, map[string]interface{}{"message_ids": ids})
		return
	}

	id, err := h.coord.Send(req.From, req.To, req.Subject, req.Payload, opts)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

func (h *Handler) receiveMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := h.coord.Receive(id, limit)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type createTaskRequest struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
	Assignee    string                 `json:"assignee,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Tasks())
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task type is required"})
		return
	}

	id, err := h.coord.CreateTask(req.Type, req.Description, req.Input, coordinator.TaskOptions{
		Priority:   req.Priority,
		Assignee:   req.Assignee,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	task, err := h.coord.Task(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.coord.Task(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type updateTaskRequest struct {
	Status string                 `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
}

func (h *Handler) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.coord.UpdateTaskStatus(id, coordinator.TaskStatus(req.Status), req.Output); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, coordinator.ErrUnknownTask) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	task, _ := h.coord.Task(id)
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) resubmitTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.coord.Resubmit(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, coordinator.ErrUnknownTask) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	task, _ := h.coord.Task(id)
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
