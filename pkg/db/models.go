package db

import "time"

// ProtectiveOrder is the persisted form of a protective order.
type ProtectiveOrder struct {
	ID           string
	PositionID   string
	Symbol       string
	Side         string
	Qty          float64
	EntryPrice   float64
	Kind         string
	TriggerPrice float64
	TrailingPct  float64
	WaterMark    float64
	Status       string
	RetryCount   int
	Version      int
	CreatedAt    time.Time
	TriggeredAt  *time.Time
}

// SafetyState is the single durable row of loss counters and the kill switch.
type SafetyState struct {
	DailyLoss             float64
	DailyResetAt          time.Time
	ConsecutiveLosses     int
	KillSwitchActive      bool
	KillSwitchReason      string
	KillSwitchActivatedAt *time.Time
	LastBalance           float64
	Version               int
}

// Trade records a protective execution fill.
type Trade struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      string
	Qty       float64
	Price     float64
	PnL       float64
	Slippage  float64
	CreatedAt time.Time
}

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
