package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemorySuppressorWindow(t *testing.T) {
	sup := NewMemory(30 * time.Second).(*memorySuppressor)
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	sup.now = func() time.Time { return now }

	ctx := context.Background()
	line := "DW1ABC-9>APRS:!1335.12N/12412.45E>"

	assert.False(t, sup.Seen(ctx, line), "first sighting is not a duplicate")
	assert.True(t, sup.Seen(ctx, line), "repeat within the window is suppressed")

	now = now.Add(31 * time.Second)
	assert.False(t, sup.Seen(ctx, line), "after the window the packet counts as new")
}

func TestMemorySuppressorDistinctKeys(t *testing.T) {
	sup := NewMemory(30 * time.Second)
	ctx := context.Background()

	assert.False(t, sup.Seen(ctx, "line-a"))
	assert.False(t, sup.Seen(ctx, "line-b"), "different packets never suppress each other")
}
