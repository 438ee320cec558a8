package gateway

import "context"

// Side of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the exit side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderRequest describes a close order sent to the venue.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Qty       float64
	OrderType string // MARKET for protective closes
}

// OrderResult is the venue's answer to an execution request.
type OrderResult struct {
	Success     bool
	FilledPrice float64
	Err         string
}

// ExecutionGateway submits close orders to the trading venue. Implementations
// are expected to honor ctx cancellation; the engine applies a per-execution
// timeout around every call.
type ExecutionGateway interface {
	Execute(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// PriceFeed looks up market prices. GetPrices may return a partial map when
// individual symbols fail; callers must treat missing symbols as a per-symbol
// failure, not an aborted batch.
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}
