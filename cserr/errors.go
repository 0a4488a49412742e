// Package cserr defines the error kinds shared across code story
// components. Each kind wraps an underlying cause and is matched with
// errors.As, so callers can branch on the failure class without string
// comparison.
package cserr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConfigError reports invalid or missing configuration. It is never
// retried.
type ConfigError struct {
	Field string
	err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config: %s: %v", e.Field, e.err)
	}
	return fmt.Sprintf("config: %v", e.err)
}

func (e *ConfigError) Unwrap() error { return e.err }

// NewConfigError wraps err as a configuration failure for the given
// field (field may be empty for document-level problems).
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, err: err}
}

// GraphConnectionError reports that the graph database could not be
// reached. Transient: callers retry with backoff.
type GraphConnectionError struct {
	URI string
	err error
}

func (e *GraphConnectionError) Error() string {
	return fmt.Sprintf("graph connection %s: %v", e.URI, e.err)
}

func (e *GraphConnectionError) Unwrap() error { return e.err }

func NewGraphConnectionError(uri string, err error) error {
	return &GraphConnectionError{URI: uri, err: err}
}

// GraphQueryError reports a query rejected by the graph database
// (syntax, constraint violation, missing index). Not retryable.
type GraphQueryError struct {
	Query string
	err   error
}

func (e *GraphQueryError) Error() string {
	return fmt.Sprintf("graph query: %v", e.err)
}

func (e *GraphQueryError) Unwrap() error { return e.err }

func NewGraphQueryError(query string, err error) error {
	return &GraphQueryError{Query: query, err: err}
}

// SchemaError reports a failure applying constraints or indexes during
// schema initialization.
type SchemaError struct {
	Element string
	err     error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: %v", e.Element, e.err)
}

func (e *SchemaError) Unwrap() error { return e.err }

func NewSchemaError(element string, err error) error {
	return &SchemaError{Element: element, err: err}
}

// StepTimeout reports that a pipeline step exceeded its deadline.
type StepTimeout struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeout) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Timeout)
}

func NewStepTimeout(step string, timeout time.Duration) error {
	return &StepTimeout{Step: step, Timeout: timeout}
}

// StepFailed reports that a pipeline step finished in a failure state.
// Message carries the step's own error text.
type StepFailed struct {
	Step    string
	Message string
}

func (e *StepFailed) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
}

func NewStepFailed(step, message string) error {
	return &StepFailed{Step: step, Message: message}
}

// ExternalProcessError reports a failure of an external process or
// container launched by a step. ExitCode is -1 when the process never
// started.
type ExternalProcessError struct {
	Name     string
	ExitCode int
	err      error
}

func (e *ExternalProcessError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("external process %s: %v", e.Name, e.err)
	}
	return fmt.Sprintf("external process %s exited with code %d", e.Name, e.ExitCode)
}

func (e *ExternalProcessError) Unwrap() error { return e.err }

func NewExternalProcessError(name string, exitCode int, err error) error {
	return &ExternalProcessError{Name: name, ExitCode: exitCode, err: err}
}

// LLMAuthError reports rejected credentials from an LLM provider.
// TenantID is populated when the provider's error body names one.
type LLMAuthError struct {
	Provider string
	TenantID string
	err      error
}

func (e *LLMAuthError) Error() string {
	if e.TenantID != "" {
		return fmt.Sprintf("llm auth (%s, tenant %s): %v", e.Provider, e.TenantID, e.err)
	}
	return fmt.Sprintf("llm auth (%s): %v", e.Provider, e.err)
}

func (e *LLMAuthError) Unwrap() error { return e.err }

func NewLLMAuthError(provider, tenantID string, err error) error {
	return &LLMAuthError{Provider: provider, TenantID: tenantID, err: err}
}

// LLMRateLimited reports provider throttling. RetryAfter is zero when
// the provider gave no hint.
type LLMRateLimited struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *LLMRateLimited) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("llm rate limited (%s), retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("llm rate limited (%s)", e.Provider)
}

func NewLLMRateLimited(provider string, retryAfter time.Duration) error {
	return &LLMRateLimited{Provider: provider, RetryAfter: retryAfter}
}

// CancelledError reports a cooperative cancellation: the operation was
// asked to stop and did.
type CancelledError struct {
	Operation string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Operation)
}

func NewCancelledError(operation string) error {
	return &CancelledError{Operation: operation}
}

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsGraphConnection reports whether err is a graph connectivity failure.
func IsGraphConnection(err error) bool {
	var target *GraphConnectionError
	return errors.As(err, &target)
}

// IsGraphQuery reports whether err is a rejected graph query.
func IsGraphQuery(err error) bool {
	var target *GraphQueryError
	return errors.As(err, &target)
}

// IsStepTimeout reports whether err is a step deadline failure.
func IsStepTimeout(err error) bool {
	var target *StepTimeout
	return errors.As(err, &target)
}

// IsStepFailed reports whether err is a terminal step failure.
func IsStepFailed(err error) bool {
	var target *StepFailed
	return errors.As(err, &target)
}

// IsCancelled reports whether err is a cooperative cancellation, either
// a CancelledError or a context cancellation.
func IsCancelled(err error) bool {
	var target *CancelledError
	if errors.As(err, &target) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsRateLimited reports whether err is provider throttling.
func IsRateLimited(err error) bool {
	var target *LLMRateLimited
	return errors.As(err, &target)
}

// IsAuth reports whether err is an LLM credential rejection.
func IsAuth(err error) bool {
	var target *LLMAuthError
	return errors.As(err, &target)
}
