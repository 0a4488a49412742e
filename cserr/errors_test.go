package cserr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindsMatchThroughWrapping(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"config", NewConfigError("steps", base), IsConfig},
		{"graph connection", NewGraphConnectionError("bolt://localhost:7687", base), IsGraphConnection},
		{"graph query", NewGraphQueryError("MERGE (n)", base), IsGraphQuery},
		{"step timeout", NewStepTimeout("ast", time.Minute), IsStepTimeout},
		{"step failed", NewStepFailed("summarizer", "dag stalled"), IsStepFailed},
		{"rate limited", NewLLMRateLimited("openai", 0), IsRateLimited},
		{"auth", NewLLMAuthError("openai", "", base), IsAuth},
		{"cancelled", NewCancelledError("ingest"), IsCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped), "predicate should match through fmt.Errorf wrapping")
		})
	}
}

func TestPredicatesDoNotCrossMatch(t *testing.T) {
	err := NewGraphQueryError("CREATE INDEX", errors.New("syntax"))
	assert.False(t, IsGraphConnection(err))
	assert.False(t, IsConfig(err))
	assert.True(t, IsGraphQuery(err))
}

func TestIsCancelledCoversContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, IsCancelled(ctx.Err()))
	assert.True(t, IsCancelled(fmt.Errorf("walk aborted: %w", context.Canceled)))
	assert.False(t, IsCancelled(context.DeadlineExceeded))
}

func TestLLMAuthErrorCarriesTenant(t *testing.T) {
	err := NewLLMAuthError("openai", "org-4411", errors.New("invalid api key"))

	var auth *LLMAuthError
	require.True(t, errors.As(err, &auth))
	assert.Equal(t, "org-4411", auth.TenantID)
	assert.Contains(t, err.Error(), "org-4411")
}

func TestExternalProcessErrorMessages(t *testing.T) {
	withErr := NewExternalProcessError("codestory-ast-abc", -1, errors.New("image pull failed"))
	assert.Contains(t, withErr.Error(), "image pull failed")

	withCode := NewExternalProcessError("codestory-ast-abc", 137, nil)
	assert.Contains(t, withCode.Error(), "137")
}

func TestUnwrapExposesCause(t *testing.T) {
	base := errors.New("underneath")
	err := NewSchemaError("constraint file_path", base)
	assert.ErrorIs(t, err, base)
}
