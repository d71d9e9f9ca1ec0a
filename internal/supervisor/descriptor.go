package supervisor

import (
	"os"
	"regexp"
	"time"
)

// ProbeType selects how a worker's health is checked.
type ProbeType string

const (
	ProbeStdio ProbeType = "stdio"
	ProbeHTTP  ProbeType = "http"
	ProbeGRPC  ProbeType = "grpc"
)

// ProbeSpec declares a worker's health probe.
type ProbeSpec struct {
	Type    ProbeType     `json:"type"`
	Target  string        `json:"target,omitempty"` // URL for http, host:port for grpc
	Timeout time.Duration `json:"timeout"`
}

// Limits bound a worker's invocation rate and duration.
type Limits struct {
	RPS     int           `json:"rps"`
	Burst   int           `json:"burst"`
	Timeout time.Duration `json:"timeout"`
}

// Descriptor is an externally-configured unit of work capacity. Immutable
// during a run; lifecycle state is tracked on the supervisor's worker record.
type Descriptor struct {
	Name     string            `json:"name"`
	Enabled  bool              `json:"enabled"`
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"` // base URL for invocations
	Probe    ProbeSpec         `json:"probe"`
	Scopes   []string          `json:"scopes"`
	Limits   Limits            `json:"limits"`
}

// HasScope reports whether the descriptor declares the given capability.
func (d *Descriptor) HasScope(capability string) bool {
	for _, s := range d.Scopes {
		if s == capability {
			return true
		}
	}
	return false
}

var envRefRe = regexp.MustCompile(`^\$\{(\w+)\}$`)

// MissingEnv returns the names of env bindings that reference unset
// environment variables. A non-empty result makes the worker ineligible.
func (d *Descriptor) MissingEnv() []string {
	var missing []string
	for name, val := range d.Env {
		m := envRefRe.FindStringSubmatch(val)
		if m == nil {
			continue
		}
		if os.Getenv(m[1]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ResolvedEnv returns the env bindings with ${VAR} references substituted.
func (d *Descriptor) ResolvedEnv() map[string]string {
	out := make(map[string]string, len(d.Env))
	for name, val := range d.Env {
		if m := envRefRe.FindStringSubmatch(val); m != nil {
			out[name] = os.Getenv(m[1])
			continue
		}
		out[name] = val
	}
	return out
}
