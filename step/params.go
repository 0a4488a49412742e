package step

import (
	"fmt"
	"sort"
	"time"
)

// Config is the filtered parameter set a step receives. Values come
// from pipeline YAML or the HTTP API, so numeric types vary; use the
// typed getters.
type Config map[string]any

// String returns the string at key or fallback.
func (c Config) String(key, fallback string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return fallback
}

// Int returns the integer at key or fallback, coercing the numeric
// types YAML and JSON decoders produce.
func (c Config) Int(key string, fallback int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// Float returns the float at key or fallback.
func (c Config) Float(key string, fallback float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// Bool returns the bool at key or fallback.
func (c Config) Bool(key string, fallback bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return fallback
}

// Strings returns the string list at key; scalars and mixed lists are
// coerced element-wise, non-strings skipped.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Seconds interprets the value at key as a duration in seconds.
func (c Config) Seconds(key string, fallback time.Duration) time.Duration {
	switch v := c[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// JobID returns the orchestrator-assigned job id, if any.
func (c Config) JobID() string {
	return c.String("job_id", "")
}

// paramPolicy lists the parameters a step recognizes. Steps with
// passthrough also receive parameters outside the list.
type paramPolicy struct {
	allowed     map[string]struct{}
	passthrough bool
}

func allow(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

var paramPolicies = map[string]paramPolicy{
	"filesystem": {
		allowed:     allow("ignore_patterns", "max_depth", "include_extensions", "concurrency", "job_id"),
		passthrough: true,
	},
	"ast": {
		allowed:     allow("image", "timeout", "ignore_patterns", "incremental", "job_id"),
		passthrough: true,
	},
	"summarizer": {
		allowed:     allow("max_concurrency", "max_tokens_per_file", "timeout", "incremental", "ignore_patterns", "job_id"),
		passthrough: false,
	},
	"docgrapher": {
		allowed:     allow("parse_docstrings", "use_llm", "timeout", "incremental", "ignore_patterns", "job_id"),
		passthrough: false,
	},
}

// FilterParams returns the subset of params the named step accepts.
// Steps without a policy receive everything; the registry has already
// rejected unknown step names by the time parameters are forwarded.
func FilterParams(stepName string, params map[string]any) Config {
	policy, ok := paramPolicies[stepName]
	if !ok || policy.passthrough {
		out := make(Config, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out
	}

	out := make(Config)
	for k, v := range params {
		if _, accepted := policy.allowed[k]; accepted {
			out[k] = v
		}
	}
	return out
}

// AcceptedParams lists the declared parameters for a step, for error
// messages and the service's step catalog.
func AcceptedParams(stepName string) ([]string, error) {
	policy, ok := paramPolicies[stepName]
	if !ok {
		return nil, fmt.Errorf("no parameter policy for step %q", stepName)
	}
	keys := make([]string, 0, len(policy.allowed))
	for k := range policy.allowed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
