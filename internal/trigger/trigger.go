package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/conductor/internal/workflow"
)

const streamPrefix = "conductor:events:"

// Runner starts workflow executions on behalf of a fired trigger.
type Runner interface {
	Execute(ctx context.Context, name string, payload map[string]interface{}, opts workflow.ExecOptions) (*workflow.Result, error)
}

type schedule struct {
	workflow string
	interval time.Duration
}

// Source connects workflow triggers to the outside world: event triggers
// read a Redis stream per event name, schedule triggers run on tickers,
// and webhook triggers are looked up by the HTTP layer.
type Source struct {
	rdb    *redis.Client
	runner Runner
	logger *zap.Logger

	mu        sync.RWMutex
	events    map[string][]string // event name -> workflow names
	schedules []schedule
	webhooks  map[string]string // path -> workflow name
	running   bool
}

// NewSource creates a trigger source. redisURL may be empty, in which case
// event triggers are refused and schedule and webhook triggers still work.
func NewSource(redisURL string, runner Runner, logger *zap.Logger) (*Source, error) {
	s := &Source{
		runner:   runner,
		logger:   logger,
		events:   make(map[string][]string),
		webhooks: make(map[string]string),
	}
	if redisURL == "" {
		logger.Warn("no redis url, event triggers disabled")
		return s, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s.rdb = rdb
	return s, nil
}

// RegisterEvent binds a workflow to an event stream. Registrations made
// after Run has started only take effect for streams already watched.
func (s *Source) RegisterEvent(workflowName, event string) error {
	if s.rdb == nil {
		return fmt.Errorf("event trigger %q for workflow %s: redis not configured", event, workflowName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := len(s.events[event]) == 0
	s.events[event] = append(s.events[event], workflowName)
	if s.running && fresh {
		return fmt.Errorf("event trigger %q registered after start, restart required", event)
	}
	return nil
}

// RegisterSchedule binds a workflow to a fixed interval, given in Go
// duration syntax ("30s", "5m").
func (s *Source) RegisterSchedule(workflowName, spec string) error {
	interval, err := time.ParseDuration(spec)
	if err != nil {
		return fmt.Errorf("schedule for workflow %s: %w", workflowName, err)
	}
	if interval < time.Second {
		return fmt.Errorf("schedule for workflow %s: interval %s below 1s", workflowName, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, schedule{workflow: workflowName, interval: interval})
	return nil
}

// RegisterWebhook binds a workflow to a webhook path.
func (s *Source) RegisterWebhook(workflowName, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.webhooks[path]; ok && other != workflowName {
		return fmt.Errorf("webhook path %s already bound to workflow %s", path, other)
	}
	s.webhooks[path] = workflowName
	return nil
}

// WebhookWorkflow resolves a webhook path to its workflow name.
func (s *Source) WebhookWorkflow(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.webhooks[path]
	return wf, ok
}

// Emit publishes an event onto its stream for any bound workflows.
func (s *Source) Emit(ctx context.Context, event string, payload map[string]interface{}) error {
	if s.rdb == nil {
		return fmt.Errorf("emit %q: redis not configured", event)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + event,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("emit %q: %w", event, err)
	}
	return nil
}

// Run watches all registered event streams and drives all schedules until
// the context is cancelled.
func (s *Source) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	events := make([]string, 0, len(s.events))
	for ev := range s.events {
		events = append(events, ev)
	}
	scheds := append([]schedule(nil), s.schedules...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev string) {
			defer wg.Done()
			s.watchStream(ctx, ev)
		}(ev)
	}
	for _, sc := range scheds {
		wg.Add(1)
		go func(sc schedule) {
			defer wg.Done()
			s.runSchedule(ctx, sc)
		}(sc)
	}
	wg.Wait()

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("redis close", zap.Error(err))
		}
	}
}

func (s *Source) watchStream(ctx context.Context, event string) {
	stream := streamPrefix + event
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   10,
			Block:   time.Second * 2,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var payload map[string]interface{}
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					s.logger.Warn("bad event payload",
						zap.String("event", event), zap.Error(err))
					continue
				}
				s.fire(ctx, event, payload)
			}
		}
	}
}

func (s *Source) fire(ctx context.Context, event string, payload map[string]interface{}) {
	s.mu.RLock()
	targets := append([]string(nil), s.events[event]...)
	s.mu.RUnlock()

	for _, wf := range targets {
		res, err := s.runner.Execute(ctx, wf, payload, workflow.ExecOptions{})
		if err != nil {
			s.logger.Error("event trigger failed",
				zap.String("event", event),
				zap.String("workflow", wf),
				zap.Error(err))
			continue
		}
		s.logger.Info("event trigger fired",
			zap.String("event", event),
			zap.String("workflow", wf),
			zap.String("execution", res.ExecutionID),
			zap.String("status", string(res.Status)))
	}
}

func (s *Source) runSchedule(ctx context.Context, sc schedule) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			payload := map[string]interface{}{"scheduled_at": t.UTC().Format(time.RFC3339)}
			res, err := s.runner.Execute(ctx, sc.workflow, payload, workflow.ExecOptions{})
			if err != nil {
				s.logger.Error("schedule trigger failed",
					zap.String("workflow", sc.workflow), zap.Error(err))
				continue
			}
			s.logger.Info("schedule trigger fired",
				zap.String("workflow", sc.workflow),
				zap.String("execution", res.ExecutionID),
				zap.String("status", string(res.Status)))
		}
	}
}
