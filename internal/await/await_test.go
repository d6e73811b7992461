package await

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded(t *testing.T) {
	t.Run("ready before deadline", func(t *testing.T) {
		out := Bounded(context.Background(), time.Second, func(context.Context) (int, error) {
			return 7, nil
		})
		require.Equal(t, Ready, out.State)
		assert.True(t, out.OK())
		assert.Equal(t, 7, out.Value)
		assert.NoError(t, out.Err)
	})

	t.Run("failure is reported with its error", func(t *testing.T) {
		boom := errors.New("boom")
		out := Bounded(context.Background(), time.Second, func(context.Context) (int, error) {
			return 0, boom
		})
		require.Equal(t, Failed, out.State)
		assert.ErrorIs(t, out.Err, boom)
	})

	t.Run("slow dependency times out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		out := Bounded(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
			<-release
			return 1, nil
		})
		require.Equal(t, TimedOut, out.State)
		assert.Zero(t, out.Value)
		assert.NoError(t, out.Err)
	})

	t.Run("fn honouring its context times out", func(t *testing.T) {
		out := Bounded(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.Equal(t, TimedOut, out.State)
	})

	t.Run("parent cancellation fails", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out := Bounded(ctx, time.Second, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		require.Equal(t, Failed, out.State)
		assert.ErrorIs(t, out.Err, context.Canceled)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "failed", Failed.String())
}
