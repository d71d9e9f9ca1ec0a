package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/workflow"
)

// Graph records execution lineage in Neo4j: which workflow ran, which
// steps it touched, and which execution a step's output flowed into.
// Everything here is optional telemetry, failures never block the engine.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraph connects a lineage graph.
func NewGraph(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Ping verifies connectivity.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// RecordExecution writes one finished execution with its step chain.
func (g *Graph) RecordExecution(ctx context.Context, res *workflow.Result) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (w:Workflow {name: $workflow})
		 CREATE (e:Execution {
			id: $id, status: $status,
			started_at: datetime($startedAt),
			duration_ms: $durationMs
		 })
		 CREATE (w)-[:RAN]->(e)`,
		map[string]interface{}{
			"workflow":   res.Workflow,
			"id":         res.ExecutionID,
			"status":     string(res.Status),
			"startedAt":  res.StartedAt.UTC().Format(time.RFC3339),
			"durationMs": res.Duration.Milliseconds(),
		})
	if err != nil {
		return fmt.Errorf("record execution %s: %w", res.ExecutionID, err)
	}

	for i, step := range res.Steps {
		_, err := session.Run(ctx,
			`MATCH (e:Execution {id: $execId})
			 CREATE (s:Step {
				name: $name, status: $status,
				position: $pos, retries: $retries
			 })
			 CREATE (e)-[:EXECUTED]->(s)`,
			map[string]interface{}{
				"execId":  res.ExecutionID,
				"name":    step.Name,
				"status":  string(step.Status),
				"pos":     i,
				"retries": step.Retries,
			})
		if err != nil {
			return fmt.Errorf("record step %s: %w", step.Name, err)
		}
	}

	g.logger.Debug("lineage recorded",
		zap.String("execution", res.ExecutionID),
		zap.Int("steps", len(res.Steps)))
	return nil
}

// ExecutionSummary is one lineage row for a workflow's history.
type ExecutionSummary struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

// History lists recorded executions of one workflow, newest first.
func (g *Graph) History(ctx context.Context, workflowName string, limit int) ([]ExecutionSummary, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Workflow {name: $workflow})-[:RAN]->(e:Execution)
		 RETURN e.id, e.status, e.duration_ms
		 ORDER BY e.started_at DESC LIMIT $limit`,
		map[string]interface{}{"workflow": workflowName, "limit": limit})
	if err != nil {
		return nil, err
	}

	var out []ExecutionSummary
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("e.id")
		status, _ := rec.Get("e.status")
		dur, _ := rec.Get("e.duration_ms")
		out = append(out, ExecutionSummary{
			ID:         id.(string),
			Status:     status.(string),
			DurationMs: dur.(int64),
		})
	}
	return out, result.Err()
}

// FailureCounts aggregates failed step names across a workflow's history,
// the first place to look when a workflow starts flaking.
func (g *Graph) FailureCounts(ctx context.Context, workflowName string) (map[string]int, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Workflow {name: $workflow})-[:RAN]->(:Execution)-[:EXECUTED]->(s:Step {status: 'failed'})
		 RETURN s.name, count(s) AS failures`,
		map[string]interface{}{"workflow": workflowName})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for result.Next(ctx) {
		rec := result.Record()
		name, _ := rec.Get("s.name")
		n, _ := rec.Get("failures")
		counts[name.(string)] = int(n.(int64))
	}
	return counts, result.Err()
}
