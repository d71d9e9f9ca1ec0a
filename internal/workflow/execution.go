package workflow

import "time"

// The execution methods below own all mutation of per-run state so the
// engine's step goroutines never touch the maps directly.

func (ex *execution) isCancelled() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cancelled
}

// fail marks the run as terminally failed.
func (ex *execution) fail() {
	ex.mu.Lock()
	ex.failedHard = true
	ex.mu.Unlock()
}

func (ex *execution) stepCompleted(rec *StepExecution) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return rec.Status == StepCompleted
}

func (ex *execution) skip(rec *StepExecution) {
	ex.mu.Lock()
	rec.Status = StepSkipped
	ex.mu.Unlock()
}

func (ex *execution) startStep(rec *StepExecution, input map[string]interface{}) {
	ex.mu.Lock()
	rec.Status = StepRunning
	rec.StartedAt = time.Now()
	rec.Input = input
	ex.mu.Unlock()
}

func (ex *execution) completeStep(rec *StepExecution, out map[string]interface{}) {
	ex.mu.Lock()
	rec.Status = StepCompleted
	rec.EndedAt = time.Now()
	rec.Output = out
	ex.mu.Unlock()
}

func (ex *execution) recordRetry(rec *StepExecution) {
	ex.mu.Lock()
	rec.Retries++
	ex.mu.Unlock()
}

func (ex *execution) failStep(rec *StepExecution, err error) {
	ex.mu.Lock()
	rec.Status = StepFailed
	rec.EndedAt = time.Now()
	rec.Error = err.Error()
	ex.errs = append(ex.errs, rec.Name+": "+err.Error())
	ex.mu.Unlock()
}

// mergeOutputs publishes a completed step's result into the variable bag
// under the step name, plus any explicit output bindings resolved against
// the result itself.
func (ex *execution) mergeOutputs(step *Step, out map[string]interface{}) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.vars[step.Name] = out
	for key, expr := range step.Output {
		scope := map[string]interface{}{"result": out}
		for k, v := range out {
			scope[k] = v
		}
		ex.vars[key] = ResolveString(expr, scope)
	}
}

// snapshotVars copies the top level of the variable bag so template
// resolution in parallel steps reads a stable view.
func (ex *execution) snapshotVars() map[string]interface{} {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	snap := make(map[string]interface{}, len(ex.vars))
	for k, v := range ex.vars {
		snap[k] = v
	}
	return snap
}

// result builds a point-in-time snapshot of the run.
func (ex *execution) result() *Result {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	end := ex.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	res := &Result{
		ExecutionID: ex.id,
		Workflow:    ex.workflow,
		Status:      ex.status,
		StartedAt:   ex.startedAt,
		Duration:    end.Sub(ex.startedAt),
		Outputs:     make(map[string]interface{}),
		Errors:      append([]string(nil), ex.errs...),
	}
	for _, s := range ex.steps {
		res.Steps = append(res.Steps, *s)
		if s.Status == StepCompleted && s.Output != nil {
			res.Outputs[s.Name] = s.Output
		}
	}
	return res
}

// resetFrom rewinds step records at and after index idx back to pending
// for a plan-level retry. Variable bag entries from earlier steps survive.
func (ex *execution) resetFrom(idx int) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for i := idx; i < len(ex.steps); i++ {
		s := ex.steps[i]
		s.Status = StepPending
		s.StartedAt = time.Time{}
		s.EndedAt = time.Time{}
		s.Error = ""
		s.Output = nil
	}
}
