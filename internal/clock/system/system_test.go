package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	var clk crawler.Clock = New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before))
	require.True(t, got.Before(after))
}
