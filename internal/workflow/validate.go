package workflow

import (
	"errors"
	"fmt"

	"github.com/nidhogg/conductor/internal/guard"
)

const (
	maxAttempts = 10
	minPriority = 0
	maxPriority = 10
)

// Validate checks a definition for the structural problems that would only
// surface mid-run otherwise. Registration refuses anything it flags.
func Validate(def *Definition) error {
	if def == nil {
		return errors.New("nil definition")
	}
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return errors.New("workflow has no steps")
	}

	names := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("step %q: duplicate name", s.Name)
		}
		names[s.Name] = true
		if s.Tool == "" {
			return fmt.Errorf("step %q: tool is required", s.Name)
		}
		if s.TimeoutMs < 0 {
			return fmt.Errorf("step %q: timeoutMs must not be negative", s.Name)
		}
		if s.Priority < minPriority || s.Priority > maxPriority {
			return fmt.Errorf("step %q: priority %d outside [%d, %d]", s.Name, s.Priority, minPriority, maxPriority)
		}
		if r := s.Retry; r != nil {
			if r.Attempts < 0 || r.Attempts > maxAttempts {
				return fmt.Errorf("step %q: retry attempts %d outside [0, %d]", s.Name, r.Attempts, maxAttempts)
			}
			switch r.Backoff {
			case "", string(guard.BackoffLinear), string(guard.BackoffExponential):
			default:
				return fmt.Errorf("step %q: unknown backoff strategy %q", s.Name, r.Backoff)
			}
		}
	}

	if eh := def.ErrorHandling; eh != nil {
		switch eh.OnError {
		case "", OnErrorRetry, OnErrorFallback, OnErrorFail, OnErrorNotify:
		default:
			return fmt.Errorf("unknown onError action %q", eh.OnError)
		}
		if eh.OnError == OnErrorFallback {
			if eh.Fallback == "" {
				return errors.New("onError fallback requires a fallback step name")
			}
			if !names[eh.Fallback] {
				return fmt.Errorf("fallback step %q does not exist", eh.Fallback)
			}
		}
		if eh.Retry < 0 {
			return errors.New("error retry count must not be negative")
		}
	}
	return nil
}
