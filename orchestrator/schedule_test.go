package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/config"
)

func TestPlanClosurePullsInDependencies(t *testing.T) {
	p, err := newPlan([]string{"summarizer"}, config.DefaultDependencies())
	require.NoError(t, err)
	assert.Equal(t, []string{"filesystem", "ast", "summarizer"}, p.names())
}

func TestPlanFullPipelineOrder(t *testing.T) {
	p, err := newPlan([]string{"filesystem", "ast", "summarizer", "docgrapher"}, config.DefaultDependencies())
	require.NoError(t, err)
	assert.Equal(t, []string{"filesystem", "ast", "docgrapher", "summarizer"}, p.names())
}

func TestPlanUnknownStep(t *testing.T) {
	_, err := newPlan([]string{"nope"}, config.DefaultDependencies())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown step "nope"`)
}

func TestPlanRejectsCycles(t *testing.T) {
	deps := map[string][]string{"a": {"b"}, "b": {"a"}}
	_, err := newPlan([]string{"a"}, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestPlanWaves(t *testing.T) {
	p, err := newPlan([]string{"filesystem", "ast", "summarizer", "docgrapher"}, config.DefaultDependencies())
	require.NoError(t, err)

	assert.Equal(t, []string{"filesystem"}, p.takeReady())
	assert.Empty(t, p.takeReady(), "ready steps are handed out once")

	assert.Equal(t, []string{"ast", "docgrapher"}, p.complete("filesystem"))
	assert.Equal(t, []string{"summarizer"}, p.complete("ast"))
	assert.Empty(t, p.complete("docgrapher"))
	assert.Empty(t, p.undispatched())
}

func TestPlanUndispatchedAndDependents(t *testing.T) {
	p, err := newPlan([]string{"filesystem", "ast", "summarizer", "docgrapher"}, config.DefaultDependencies())
	require.NoError(t, err)
	p.takeReady()

	assert.Equal(t, []string{"ast", "docgrapher", "summarizer"}, p.undispatched())

	below := p.dependentsOf("filesystem")
	assert.True(t, below["ast"])
	assert.True(t, below["docgrapher"])
	assert.True(t, below["summarizer"])

	assert.Equal(t, map[string]bool{"summarizer": true}, p.dependentsOf("ast"))
	assert.Empty(t, p.dependentsOf("summarizer"))
}
