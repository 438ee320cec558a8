package safety

import (
	"context"
	"log"
	"math"
	"sync"

	"safety-core/internal/gateway"
)

// StopLookup resolves the nearest pending protective stop for a position.
// Implemented by the protective-order manager; kept as an interface so the
// validator does not depend on it.
type StopLookup interface {
	NearestStop(positionID string) (trigger float64, ok bool)
}

// Validator is the pre-trade gate. It reads the safety state, checks every
// limit in a fixed order and returns the outcome as data. The only check
// that short-circuits is the kill switch.
type Validator struct {
	mu     sync.RWMutex
	limits Limits

	state *StateStore
	feed  gateway.PriceFeed
	stops StopLookup
}

// NewValidator wires a validator. feed and stops may be nil; the slippage
// and portfolio-heat checks degrade gracefully without them.
func NewValidator(state *StateStore, limits Limits, feed gateway.PriceFeed) *Validator {
	return &Validator{state: state, limits: limits, feed: feed}
}

// SetStopLookup attaches the protective-order manager after construction.
func (v *Validator) SetStopLookup(s StopLookup) {
	v.mu.Lock()
	v.stops = s
	v.mu.Unlock()
}

// Limits returns a copy of the current limit configuration.
func (v *Validator) Limits() Limits {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.limits
}

// UpdateLimits applies a partial limit update and returns the names of the
// fields that changed.
func (v *Validator) UpdateLimits(u LimitsUpdate) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var changed []string
	setF := func(name string, dst *float64, src *float64) {
		if src != nil && *src != *dst {
			*dst = *src
			changed = append(changed, name)
		}
	}
	setI := func(name string, dst *int, src *int) {
		if src != nil && *src != *dst {
			*dst = *src
			changed = append(changed, name)
		}
	}
	setF("max_position_size_pct", &v.limits.MaxPositionSizePct, u.MaxPositionSizePct)
	setF("daily_loss_limit_pct", &v.limits.DailyLossLimitPct, u.DailyLossLimitPct)
	setI("max_consecutive_losses", &v.limits.MaxConsecutiveLosses, u.MaxConsecutiveLosses)
	setF("min_account_balance", &v.limits.MinAccountBalance, u.MinAccountBalance)
	setF("max_slippage_pct", &v.limits.MaxSlippagePct, u.MaxSlippagePct)
	setF("max_portfolio_heat_pct", &v.limits.MaxPortfolioHeatPct, u.MaxPortfolioHeatPct)
	setF("stop_loss_pct", &v.limits.StopLossPct, u.StopLossPct)
	setF("take_profit_pct", &v.limits.TakeProfitPct, u.TakeProfitPct)
	setF("trailing_pct", &v.limits.TrailingPct, u.TrailingPct)
	setI("monitor_check_interval_seconds", &v.limits.MonitorIntervalSeconds, u.MonitorIntervalSeconds)
	setI("execution_timeout_seconds", &v.limits.ExecutionTimeoutSeconds, u.ExecutionTimeoutSeconds)
	if len(changed) > 0 {
		log.Printf("validator: limits updated: %v", changed)
	}
	return changed
}

// Validate runs every pre-trade check against the intent. Rejections are
// accumulated; only an active kill switch short-circuits.
func (v *Validator) Validate(ctx context.Context, intent TradeIntent) ValidationResult {
	limits := v.Limits()
	res := ValidationResult{AdjustedQuantity: intent.Quantity}

	// 1. kill switch
	if v.state.Snapshot().KillSwitchActive {
		res.RejectionReasons = append(res.RejectionReasons, ReasonKillSwitchActive)
		return res
	}

	if err := v.state.SetLastBalance(ctx, intent.AccountBalance); err != nil {
		log.Printf("validator: persist balance: %v", err)
	}

	// 2. position sizing: oversize intents are trimmed, not rejected
	if intent.AccountBalance > 0 && intent.Price > 0 {
		pct := intent.Quantity * intent.Price / intent.AccountBalance
		if pct > limits.MaxPositionSizePct {
			res.AdjustedQuantity = limits.MaxPositionSizePct * intent.AccountBalance / intent.Price
			res.Warnings = append(res.Warnings, WarnPositionSizeAdjusted)
			log.Printf("validator: %s qty trimmed %.6f -> %.6f (%.1f%% > %.1f%% of balance)",
				intent.Symbol, intent.Quantity, res.AdjustedQuantity, pct*100, limits.MaxPositionSizePct*100)
		}
	}

	st := v.state.Snapshot()

	// 3. daily loss limit
	if intent.AccountBalance > 0 && st.DailyLoss <= -limits.DailyLossLimitPct*intent.AccountBalance {
		if err := v.state.ActivateKillSwitch(ctx, "daily loss limit breached during validation"); err != nil {
			log.Printf("validator: activate kill switch: %v", err)
		}
		res.RejectionReasons = append(res.RejectionReasons, ReasonDailyLossLimit)
	}

	// 4. consecutive losses
	if st.ConsecutiveLosses >= limits.MaxConsecutiveLosses {
		if err := v.state.ActivateKillSwitch(ctx, "consecutive loss limit reached during validation"); err != nil {
			log.Printf("validator: activate kill switch: %v", err)
		}
		res.RejectionReasons = append(res.RejectionReasons, ReasonConsecutiveLosses)
	}

	// 5. minimum balance
	if intent.AccountBalance < limits.MinAccountBalance {
		res.RejectionReasons = append(res.RejectionReasons, ReasonInsufficientBalance)
	}

	// 6. slippage against the last known price
	if v.feed != nil && intent.Price > 0 {
		if last, err := v.feed.GetPrice(ctx, intent.Symbol); err != nil {
			res.Warnings = append(res.Warnings, WarnPriceUnavailable)
		} else if last > 0 && math.Abs(intent.Price-last)/last > limits.MaxSlippagePct {
			res.RejectionReasons = append(res.RejectionReasons, ReasonSlippageExceeded)
		}
	}

	// 7. portfolio heat including the candidate trade at its adjusted size
	if intent.AccountBalance > 0 {
		heat := v.portfolioHeat(intent, res.AdjustedQuantity, limits) / intent.AccountBalance
		if heat > limits.MaxPortfolioHeatPct {
			res.RejectionReasons = append(res.RejectionReasons, ReasonPortfolioHeat)
		}
	}

	res.Approved = len(res.RejectionReasons) == 0
	return res
}

// portfolioHeat sums at-risk capital: for each open position, quantity times
// the distance from its mark to the nearest pending stop; positions without
// a stop count their full notional. The candidate trade contributes its
// post-adjustment notional times the default stop-loss distance.
func (v *Validator) portfolioHeat(intent TradeIntent, qty float64, limits Limits) float64 {
	v.mu.RLock()
	stops := v.stops
	v.mu.RUnlock()

	var heat float64
	for _, p := range intent.OpenPositions {
		mark := p.MarkPrice
		if mark <= 0 {
			mark = p.EntryPrice
		}
		if stops != nil {
			if trigger, ok := stops.NearestStop(p.ID); ok {
				heat += p.Quantity * math.Abs(mark-trigger)
				continue
			}
		}
		heat += p.Quantity * mark
	}
	heat += qty * intent.Price * limits.StopLossPct
	return heat
}

// RecordTradeResult forwards a realized pnl to the state store with the
// current limits. This is the only write path for the loss counters.
func (v *Validator) RecordTradeResult(ctx context.Context, pnl float64) error {
	return v.state.RecordTradeResult(ctx, pnl, v.Limits())
}
