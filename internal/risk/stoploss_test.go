package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAdvanceHighWaterMark(t *testing.T) {
	tests := []struct {
		name    string
		side    Side
		hwm     string
		current string
		want    string
		moved   bool
	}{
		{"long up", SideLong, "100", "105", "105", true},
		{"long down", SideLong, "105", "101", "105", false},
		{"long equal", SideLong, "105", "105", "105", false},
		{"short down", SideShort, "100", "95", "95", true},
		{"short up", SideShort, "95", "99", "95", false},
		{"zero price ignored", SideLong, "100", "0", "100", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, moved := AdvanceHighWaterMark(tt.side, d(tt.hwm), d(tt.current))
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
			assert.Equal(t, tt.moved, moved)
		})
	}
}

func TestTrailingStopLevel(t *testing.T) {
	assert.True(t, TrailingStopLevel(SideLong, d("105"), d("1")).Equal(d("103.95")))
	assert.True(t, TrailingStopLevel(SideShort, d("95"), d("1")).Equal(d("95.95")))
}

func TestTrailingStopHit(t *testing.T) {
	level := TrailingStopLevel(SideLong, d("105"), d("1"))
	assert.False(t, TrailingStopHit(SideLong, d("104"), level))
	assert.True(t, TrailingStopHit(SideLong, d("103.95"), level))
	assert.True(t, TrailingStopHit(SideLong, d("103.9"), level))

	level = TrailingStopLevel(SideShort, d("95"), d("1"))
	assert.False(t, TrailingStopHit(SideShort, d("95.9"), level))
	assert.True(t, TrailingStopHit(SideShort, d("95.95"), level))
}

// The long stop level never decreases while the price series only feeds the mark.
func TestLongTrailingLevelNonDecreasing(t *testing.T) {
	prices := []string{"100", "101", "99", "103", "102.5", "103", "110", "90", "111"}
	hwm := d("100")
	prev := TrailingStopLevel(SideLong, hwm, d("1.5"))
	for _, p := range prices {
		hwm, _ = AdvanceHighWaterMark(SideLong, hwm, d(p))
		level := TrailingStopLevel(SideLong, hwm, d("1.5"))
		assert.True(t, level.GreaterThanOrEqual(prev), "level %s dropped below %s at price %s", level, prev, p)
		prev = level
	}
	assert.True(t, hwm.Equal(d("111")))
}

func TestFixedExitHit(t *testing.T) {
	reason, hit := FixedExitHit(SideLong, d("100"), d("97.9"), d("2"), d("5"))
	assert.True(t, hit)
	assert.Equal(t, ExitStopLoss, reason)

	reason, hit = FixedExitHit(SideLong, d("100"), d("105"), d("2"), d("5"))
	assert.True(t, hit)
	assert.Equal(t, ExitTakeProfit, reason)

	_, hit = FixedExitHit(SideLong, d("100"), d("101"), d("2"), d("5"))
	assert.False(t, hit)

	reason, hit = FixedExitHit(SideShort, d("100"), d("102"), d("2"), d("5"))
	assert.True(t, hit)
	assert.Equal(t, ExitStopLoss, reason)

	reason, hit = FixedExitHit(SideShort, d("100"), d("95"), d("2"), d("5"))
	assert.True(t, hit)
	assert.Equal(t, ExitTakeProfit, reason)

	_, hit = FixedExitHit(SideLong, d("100"), d("50"), decimal.Zero, decimal.Zero)
	assert.False(t, hit)
}

func TestRealizedPnL(t *testing.T) {
	assert.True(t, RealizedPnL(SideLong, d("100"), d("110"), d("2")).Equal(d("20")))
	assert.True(t, RealizedPnL(SideShort, d("100"), d("110"), d("2")).Equal(d("-20")))
	assert.True(t, RealizedPnL(SideShort, d("100"), d("90"), d("0.5")).Equal(d("5")))
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
	assert.False(t, Side("FLAT").Valid())
}
