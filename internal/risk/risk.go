// Package risk contains the pure pricing math of the engine: stop-loss
// placement, trailing-stop recomputation, target adjustment, and signal
// strength. Every function is deterministic and side-effect free.
//
// Prices are normalised with shopspring/decimal so tick rounding never
// inherits float artifacts; the broker wants two-decimal strings, which
// FormatPrice produces.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"intraday-engine/pkg/types"
)

// RoundPrice snaps a price to the nearest tick, normalised to two decimals.
func RoundPrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	v, _ := p.Div(t).Round(0).Mul(t).Round(2).Float64()
	return v
}

// FormatPrice renders a price the way the broker API expects it: a plain
// two-decimal string.
func FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).StringFixed(2)
}

// CalcSL computes the stop-loss for an entry fill:
// entry − signal × entry × slPct/100, snapped to the tick.
// For a buy (+1) the SL lands below entry, for a sell (−1) above.
func CalcSL(entry float64, signal int, slPct, tick float64) float64 {
	sl := entry - float64(signal)*entry*slPct/100
	return RoundPrice(sl, tick)
}

// SignalStrength is the signed distance from ltp to the predicted target in
// the direction of the signal. Positive means the move has not played out
// yet; zero or negative gates the entry out.
func SignalStrength(signal int, target, ltp float64) float64 {
	return float64(signal) * (target - ltp)
}

// TrailSL decides whether a favourable move warrants re-anchoring the stop.
// The stop moves only when ltp has pulled further than
// ltp × (slPct + trailPct)/100 away from the current stop — strictly
// greater, so a move exactly at the threshold does not modify.
// Returns the new trigger price and true when an update is due.
func TrailSL(ltp, slPrice float64, signal int, slPct, trailPct, tick float64) (float64, bool) {
	if math.Abs(ltp-slPrice) > ltp*(slPct+trailPct)/100 {
		newSL := ltp - float64(signal)*ltp*slPct/100
		return RoundPrice(newSL, tick), true
	}
	return 0, false
}

// PnL is the signed round-trip profit of a trade:
// signal × qty × (exit − entry), computed in decimal so two-decimal fill
// prices never leave binary-float residue in the books.
func PnL(signal, qty int, entry, exit float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	v, _ := diff.Mul(decimal.NewFromInt(int64(signal * qty))).Round(2).Float64()
	return v
}

// CalcTarget keeps the predicted target unless the trade is already through
// it at fill time (gap through the prediction). In that case the target is
// extended by the remaining strength in the trade's direction so the broker
// never receives a take-profit on the wrong side of the entry.
func CalcTarget(orgTarget, entryPrice float64, side types.Side, strength float64) float64 {
	switch {
	case side == types.Buy && entryPrice >= orgTarget:
		return entryPrice + strength
	case side == types.Sell && entryPrice <= orgTarget:
		return entryPrice - strength
	default:
		return orgTarget
	}
}
