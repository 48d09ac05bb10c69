package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCWallTime(t *testing.T) {
	t.Parallel()

	clk := New()
	lo := time.Now().Add(-time.Second)
	got := clk.Now()
	hi := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, lo, hi)
}

func TestSinceIsNonNegative(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	require.False(t, second.Before(first))
	require.GreaterOrEqual(t, clk.Since(first), time.Duration(0))
}
