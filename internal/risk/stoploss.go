// Package risk holds the exit arithmetic shared by the dispatcher and the trailing-stop monitor.
package risk

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is LONG or SHORT.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ExitReason names why a position was closed.
type ExitReason string

const (
	ExitSignal       ExitReason = "signal"
	ExitFlip         ExitReason = "flip"
	ExitManual       ExitReason = "manual"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
)

var hundred = decimal.NewFromInt(100)

// SideSign is +1 for LONG and -1 for SHORT.
func SideSign(side Side) decimal.Decimal {
	if side == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// AdvanceHighWaterMark returns the new extreme price and whether it moved.
// For LONG the mark tracks the highest price seen, for SHORT the lowest.
func AdvanceHighWaterMark(side Side, hwm, current decimal.Decimal) (decimal.Decimal, bool) {
	if !current.IsPositive() {
		return hwm, false
	}
	switch side {
	case SideLong:
		if current.GreaterThan(hwm) {
			return current, true
		}
	case SideShort:
		if hwm.IsZero() || current.LessThan(hwm) {
			return current, true
		}
	}
	return hwm, false
}

// TrailingStopLevel is hwm*(1-pct/100) for LONG and hwm*(1+pct/100) for SHORT.
func TrailingStopLevel(side Side, hwm, pct decimal.Decimal) decimal.Decimal {
	offset := hwm.Mul(pct).Div(hundred)
	if side == SideShort {
		return hwm.Add(offset)
	}
	return hwm.Sub(offset)
}

// TrailingStopHit reports whether current has crossed level against the position.
func TrailingStopHit(side Side, current, level decimal.Decimal) bool {
	if side == SideShort {
		return current.GreaterThanOrEqual(level)
	}
	return current.LessThanOrEqual(level)
}

// FixedExitHit checks the fixed stop-loss and take-profit bands around entry.
// Zero percentages disable the respective band.
func FixedExitHit(side Side, entry, current, slPct, tpPct decimal.Decimal) (ExitReason, bool) {
	if !entry.IsPositive() || !current.IsPositive() {
		return "", false
	}
	move := current.Sub(entry).Div(entry).Mul(hundred).Mul(SideSign(side))
	if slPct.IsPositive() && move.LessThanOrEqual(slPct.Neg()) {
		return ExitStopLoss, true
	}
	if tpPct.IsPositive() && move.GreaterThanOrEqual(tpPct) {
		return ExitTakeProfit, true
	}
	return "", false
}

// RealizedPnL is (exit-entry)*size*sideSign, before fees.
func RealizedPnL(side Side, entry, exit, size decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(size).Mul(SideSign(side))
}
