package events

// Event enumerates high-level topics inside the safety engine.
type Event string

const (
	EventPriceTick           Event = "price_tick"
	EventRiskAlert           Event = "risk_alert"
	EventKillSwitch          Event = "kill_switch"
	EventOrderCreated        Event = "order.created"
	EventOrderTriggered      Event = "order.triggered"
	EventOrderExecuted       Event = "order.executed"
	EventOrderRetry          Event = "order.retry"
	EventOrderNeedsAttention Event = "order.needs_attention"
	EventOrderCanceled       Event = "order.canceled"
)
