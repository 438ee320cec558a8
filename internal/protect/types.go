package protect

import (
	"time"

	"safety-core/internal/gateway"
	"safety-core/pkg/db"
)

// Kind of protective order.
type Kind string

const (
	KindStopLoss     Kind = "stop_loss"
	KindTakeProfit   Kind = "take_profit"
	KindTrailingStop Kind = "trailing_stop"
)

// Status of a protective order. Transitions are monotonic:
// pending → triggered → {executed | needs_attention}, or pending → canceled.
// The only backward move is triggered → pending on a retryable execution
// failure.
type Status string

const (
	StatusPending        Status = "pending"
	StatusTriggered      Status = "triggered"
	StatusExecuted       Status = "executed"
	StatusCanceled       Status = "canceled"
	StatusNeedsAttention Status = "needs_attention"
)

// Position identifies the open position an order protects.
type Position struct {
	ID         string       `json:"id"`
	Symbol     string       `json:"symbol"`
	Side       gateway.Side `json:"side"`
	Quantity   float64      `json:"quantity"`
	EntryPrice float64      `json:"entry_price"`
}

// Order is a protective order attached to a position. WaterMark is the most
// favorable price seen so far; it is only meaningful for trailing stops.
type Order struct {
	ID           string       `json:"id"`
	PositionID   string       `json:"position_id"`
	Symbol       string       `json:"symbol"`
	Side         gateway.Side `json:"side"`
	Quantity     float64      `json:"quantity"`
	EntryPrice   float64      `json:"entry_price"`
	Kind         Kind         `json:"kind"`
	TriggerPrice float64      `json:"trigger_price"`
	TrailingPct  float64      `json:"trailing_pct,omitempty"`
	WaterMark    float64      `json:"water_mark,omitempty"`
	Status       Status       `json:"status"`
	RetryCount   int          `json:"retry_count"`
	Version      int          `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	TriggeredAt  *time.Time   `json:"triggered_at,omitempty"`
}

func (o Order) toRow() db.ProtectiveOrder {
	return db.ProtectiveOrder{
		ID:           o.ID,
		PositionID:   o.PositionID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Qty:          o.Quantity,
		EntryPrice:   o.EntryPrice,
		Kind:         string(o.Kind),
		TriggerPrice: o.TriggerPrice,
		TrailingPct:  o.TrailingPct,
		WaterMark:    o.WaterMark,
		Status:       string(o.Status),
		RetryCount:   o.RetryCount,
		Version:      o.Version,
		CreatedAt:    o.CreatedAt,
		TriggeredAt:  o.TriggeredAt,
	}
}

func fromRow(r db.ProtectiveOrder) Order {
	return Order{
		ID:           r.ID,
		PositionID:   r.PositionID,
		Symbol:       r.Symbol,
		Side:         gateway.Side(r.Side),
		Quantity:     r.Qty,
		EntryPrice:   r.EntryPrice,
		Kind:         Kind(r.Kind),
		TriggerPrice: r.TriggerPrice,
		TrailingPct:  r.TrailingPct,
		WaterMark:    r.WaterMark,
		Status:       Status(r.Status),
		RetryCount:   r.RetryCount,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		TriggeredAt:  r.TriggeredAt,
	}
}
