package history_test

import (
	"testing"
	"time"

	"github.com/MergHQ/netsync/history"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimitStrategy(t *testing.T) {
	strategy := history.NewRateLimitStrategy(rate.Every(time.Second), 2)
	start := time.Unix(5000, 0)

	require.True(t, strategy.CanSync(testKey, start))
	strategy.Sent(testKey, start)
	require.True(t, strategy.CanSync(testKey, start))
	strategy.Sent(testKey, start)
	require.False(t, strategy.CanSync(testKey, start.Add(100*time.Millisecond)))

	// Buckets are per property
	require.True(t, strategy.CanSync(testKey+1, start))

	require.True(t, strategy.CanSync(testKey, start.Add(2*time.Second)))

	strategy.Forget(testKey)
	require.True(t, strategy.CanSync(testKey, start.Add(100*time.Millisecond)))
}

func TestMinIntervalStrategy(t *testing.T) {
	strategy := history.NewMinIntervalStrategy(50 * time.Millisecond)
	start := time.Unix(5000, 0)

	require.True(t, strategy.CanSync(testKey, start))
	strategy.Sent(testKey, start)
	require.False(t, strategy.CanSync(testKey, start.Add(49*time.Millisecond)))
	require.True(t, strategy.CanSync(testKey, start.Add(50*time.Millisecond)))

	strategy.Forget(testKey)
	require.True(t, strategy.CanSync(testKey, start))
}

func TestThrottledHistorySuppressesDirtyProperty(t *testing.T) {
	h := readyHistory(t, history.NewMinIntervalStrategy(time.Second))

	ctx := h.context(1)
	require.True(t, h.history.NeedToSync(ctx))
	_, err := h.history.Send(ctx)
	require.NoError(t, err)

	h.property.value = []byte("changed")
	ctx.CurrentSeq = 2
	ctx.Now = ctx.Now.Add(500 * time.Millisecond)
	require.False(t, h.history.PrepareToSync(ctx))
	require.False(t, h.history.NeedToSync(ctx))

	ctx.Now = ctx.Now.Add(time.Second)
	require.True(t, h.history.NeedToSync(ctx))
}
