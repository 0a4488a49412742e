package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/cserr"
)

type nopStep struct{ name string }

func (s *nopStep) Name() string { return s.name }
func (s *nopStep) Run(context.Context, string, Config) (string, error) {
	return "job", nil
}
func (s *nopStep) Status(context.Context, string) (State, error) { return State{}, nil }
func (s *nopStep) Stop(context.Context, string) (State, error)   { return State{}, nil }
func (s *nopStep) Cancel(context.Context, string) (State, error) { return State{}, nil }
func (s *nopStep) IngestionUpdate(context.Context, string, Config) (string, error) {
	return "job", nil
}

func TestRegistry(t *testing.T) {
	Register("test-step-a", func(deps Deps) (Step, error) {
		return &nopStep{name: "test-step-a"}, nil
	})

	s, err := New("test-step-a", Deps{})
	require.NoError(t, err)
	assert.Equal(t, "test-step-a", s.Name())

	assert.Contains(t, Names(), "test-step-a")

	_, err = New("no-such-step", Deps{})
	require.Error(t, err)
	assert.True(t, cserr.IsConfig(err))
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-step-dup", func(Deps) (Step, error) { return nil, nil })
	assert.Panics(t, func() {
		Register("test-step-dup", func(Deps) (Step, error) { return nil, nil })
	})
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusReady.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
