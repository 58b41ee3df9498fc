package history_test

import (
	"testing"

	"github.com/MergHQ/netsync/history"
	"github.com/stretchr/testify/require"
)

func TestSeqOrdering(t *testing.T) {
	require.True(t, history.Seq(5).Before(8))
	require.True(t, history.Seq(8).After(5))
	require.False(t, history.Seq(5).Before(5))
	require.False(t, history.Seq(5).After(5))

	require.True(t, history.Seq(0xFFFFFFFE).Before(1))
	require.True(t, history.Seq(1).After(0xFFFFFFFE))
	require.Equal(t, int32(3), history.Seq(0xFFFFFFFE).Distance(1))
	require.Equal(t, int32(-3), history.Seq(1).Distance(0xFFFFFFFE))
	require.Equal(t, history.Seq(0), history.Seq(0xFFFFFFFF).Next())

	// Half the space apart is ordered neither way
	require.False(t, history.Seq(0).Before(1<<31))
	require.False(t, history.Seq(0).After(1<<31))
}

func TestKeyString(t *testing.T) {
	require.Equal(t, "0x1001", history.Key(0x1001).String())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "PendingSend", history.StatePendingSend.String())
	require.Equal(t, "Lost", history.StateLost.String())
	require.Equal(t, "SendFailed", history.SendFailed.String())
}
