package safety

import "time"

// Rejection reasons returned in ValidationResult. These are stable strings
// consumed by API clients; do not rename.
const (
	ReasonKillSwitchActive    = "kill_switch_active"
	ReasonDailyLossLimit      = "daily_loss_limit_exceeded"
	ReasonConsecutiveLosses   = "max_consecutive_losses_reached"
	ReasonInsufficientBalance = "balance_below_minimum"
	ReasonSlippageExceeded    = "slippage_exceeded"
	ReasonPortfolioHeat       = "portfolio_heat_exceeded"
)

// Warning codes attached to otherwise approved validations.
const (
	WarnPositionSizeAdjusted = "position_size_adjusted"
	WarnPriceUnavailable     = "price_unavailable"
)

// Limits holds every tunable threshold of the safety engine. Percentages are
// fractions (0.10 = 10%).
type Limits struct {
	MaxPositionSizePct      float64 `yaml:"max_position_size_pct" json:"max_position_size_pct"`
	DailyLossLimitPct       float64 `yaml:"daily_loss_limit_pct" json:"daily_loss_limit_pct"`
	MaxConsecutiveLosses    int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
	MinAccountBalance       float64 `yaml:"min_account_balance" json:"min_account_balance"`
	MaxSlippagePct          float64 `yaml:"max_slippage_pct" json:"max_slippage_pct"`
	MaxPortfolioHeatPct     float64 `yaml:"max_portfolio_heat_pct" json:"max_portfolio_heat_pct"`
	StopLossPct             float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct           float64 `yaml:"take_profit_pct" json:"take_profit_pct"`
	TrailingPct             float64 `yaml:"trailing_pct" json:"trailing_pct"`
	MonitorIntervalSeconds  int     `yaml:"monitor_check_interval_seconds" json:"monitor_check_interval_seconds"`
	ExecutionTimeoutSeconds int     `yaml:"execution_timeout_seconds" json:"execution_timeout_seconds"`
}

// DefaultLimits returns the engine defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSizePct:      0.10,
		DailyLossLimitPct:       0.05,
		MaxConsecutiveLosses:    3,
		MinAccountBalance:       100,
		MaxSlippagePct:          0.005,
		MaxPortfolioHeatPct:     0.30,
		StopLossPct:             0.02,
		TakeProfitPct:           0.05,
		TrailingPct:             0.03,
		MonitorIntervalSeconds:  5,
		ExecutionTimeoutSeconds: 10,
	}
}

// MonitorInterval returns the tick interval as a duration.
func (l Limits) MonitorInterval() time.Duration {
	if l.MonitorIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.MonitorIntervalSeconds) * time.Second
}

// ExecutionTimeout returns the per-execution timeout as a duration.
func (l Limits) ExecutionTimeout() time.Duration {
	if l.ExecutionTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(l.ExecutionTimeoutSeconds) * time.Second
}

// LimitsUpdate is a partial update of Limits; nil fields are left untouched.
type LimitsUpdate struct {
	MaxPositionSizePct      *float64 `json:"max_position_size_pct"`
	DailyLossLimitPct       *float64 `json:"daily_loss_limit_pct"`
	MaxConsecutiveLosses    *int     `json:"max_consecutive_losses"`
	MinAccountBalance       *float64 `json:"min_account_balance"`
	MaxSlippagePct          *float64 `json:"max_slippage_pct"`
	MaxPortfolioHeatPct     *float64 `json:"max_portfolio_heat_pct"`
	StopLossPct             *float64 `json:"stop_loss_pct"`
	TakeProfitPct           *float64 `json:"take_profit_pct"`
	TrailingPct             *float64 `json:"trailing_pct"`
	MonitorIntervalSeconds  *int     `json:"monitor_check_interval_seconds"`
	ExecutionTimeoutSeconds *int     `json:"execution_timeout_seconds"`
}

// Position is a snapshot of an open position supplied with a trade intent.
type Position struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// TradeIntent is a proposed trade submitted for pre-trade validation.
type TradeIntent struct {
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Quantity       float64    `json:"quantity"`
	Price          float64    `json:"price"`
	AccountBalance float64    `json:"account_balance"`
	OpenPositions  []Position `json:"open_positions"`
}

// ValidationResult is the outcome of validating a trade intent. Rejections
// are expected business outcomes carried as data, never as errors.
type ValidationResult struct {
	Approved         bool     `json:"approved"`
	AdjustedQuantity float64  `json:"adjusted_quantity"`
	RejectionReasons []string `json:"rejection_reasons"`
	Warnings         []string `json:"warnings"`
}

// Status is a read-only snapshot of the safety state.
type Status struct {
	KillSwitchActive      bool       `json:"kill_switch_active"`
	KillSwitchReason      string     `json:"kill_switch_reason,omitempty"`
	KillSwitchActivatedAt *time.Time `json:"kill_switch_activated_at,omitempty"`
	DailyLoss             float64    `json:"daily_loss"`
	DailyResetAt          time.Time  `json:"daily_reset_at"`
	ConsecutiveLosses     int        `json:"consecutive_losses"`
}
