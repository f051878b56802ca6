package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateOpenByDefault(t *testing.T) {
	var g Gate
	assert.NoError(t, g.Wait(context.Background()))

	var nilGate *Gate
	assert.NoError(t, nilGate.Wait(context.Background()))
	assert.False(t, nilGate.Paused())
}

func TestGatePauseResume(t *testing.T) {
	g := &Gate{}
	g.Pause()
	g.Pause()
	require.True(t, g.Paused())

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	g.Resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Resume")
	}
}

func TestGateCancelWhilePaused(t *testing.T) {
	g := &Gate{}
	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Checkpoint(ctx, g) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}
