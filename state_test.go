package avstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	var l lifecycle
	assert.Equal(t, StateCreated, l.get())

	prev, err := l.transition("start", StateRunning, StateCreated)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, prev)

	_, err = l.transition("start", StateRunning, StateCreated)
	var lifecycleErr *LifecycleError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, StateRunning, lifecycleErr.State)
	assert.ErrorIs(t, err, ErrLifecycle)

	prev, err = l.beginStop("stop")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, prev)
	assert.Equal(t, StateStopping, l.get())

	prev, err = l.beginStop("stop")
	require.NoError(t, err)
	assert.Equal(t, StateStopping, prev)
}

func TestLifecycleStopBeforeStart(t *testing.T) {
	var l lifecycle
	prev, err := l.beginStop("stop")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, prev)
	assert.Equal(t, StateStopped, l.get())
}

func TestLifecycleStopAfterDispose(t *testing.T) {
	var l lifecycle
	l.set(StateDisposed)
	_, err := l.beginStop("stop")
	assert.ErrorIs(t, err, ErrLifecycle)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "disposed", StateDisposed.String())
	assert.Equal(t, "unknown", State(42).String())
}
