package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-labs/stevedore/pkg/coordinator"
	"github.com/quayside-labs/stevedore/pkg/plan"
)

func TestExecDelegate_PipesPromptThroughCommand(t *testing.T) {
	d, err := coordinator.NewExecDelegate("tr a-z A-Z")
	require.NoError(t, err)

	res, err := d.Handle(context.Background(), plan.Invocation{
		Delegate: "shouter", Prompt: "make it loud",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "MAKE IT LOUD", res.Output)
	assert.Equal(t, int64(len("make it loud")), res.UnitsIn)
	assert.Equal(t, int64(len("MAKE IT LOUD")), res.UnitsOut)
}

func TestExecDelegate_NonzeroExitIsFailureNotError(t *testing.T) {
	d, err := coordinator.NewExecDelegate("echo broken >&2; exit 3")
	require.NoError(t, err)

	res, err := d.Handle(context.Background(), plan.Invocation{Delegate: "w"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "broken")
}

func TestExecDelegate_HonorsContext(t *testing.T) {
	d, err := coordinator.NewExecDelegate("sleep 10")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = d.Handle(ctx, plan.Invocation{Delegate: "w"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecDelegate_RequiresCommand(t *testing.T) {
	_, err := coordinator.NewExecDelegate("   ")
	assert.Error(t, err)
}
