package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// PaperGateway simulates execution by filling at the feed's last known price,
// with optional slippage and latency to bring paper mode closer to production.
type PaperGateway struct {
	Feed        PriceFeed
	SlippageBps float64 // basis points of slippage applied on fills
	LatencyMin  time.Duration
	LatencyMax  time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	fills int
}

// NewPaperGateway creates a paper execution gateway backed by feed.
func NewPaperGateway(feed PriceFeed, slippageBps float64) *PaperGateway {
	return &PaperGateway{
		Feed:        feed,
		SlippageBps: slippageBps,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute fills the request at the last known price plus simulated slippage.
func (g *PaperGateway) Execute(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Qty <= 0 {
		return OrderResult{Err: "quantity must be positive"}, fmt.Errorf("paper: quantity must be positive")
	}

	if delay := g.latency(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return OrderResult{Err: ctx.Err().Error()}, ctx.Err()
		}
	}

	price, err := g.Feed.GetPrice(ctx, req.Symbol)
	if err != nil {
		return OrderResult{Err: err.Error()}, fmt.Errorf("paper: price for %s: %w", req.Symbol, err)
	}

	filled := g.applySlippage(price, req.Side)

	g.mu.Lock()
	g.fills++
	n := g.fills
	g.mu.Unlock()

	log.Printf("paper: fill #%d %s %s qty=%.6f price=%.4f", n, strings.ToUpper(string(req.Side)), req.Symbol, req.Qty, filled)
	return OrderResult{Success: true, FilledPrice: filled}, nil
}

func (g *PaperGateway) applySlippage(price float64, side Side) float64 {
	frac := g.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	g.mu.Lock()
	noise := g.rng.Float64() * frac
	g.mu.Unlock()
	if side == SideBuy {
		return price * (1 + noise)
	}
	return price * (1 - noise)
}

func (g *PaperGateway) latency() time.Duration {
	min, max := g.LatencyMin, g.LatencyMax
	if max <= 0 {
		return 0
	}
	if min < 0 {
		min = 0
	}
	if min > max {
		min, max = max, min
	}
	span := max - min
	if span <= 0 {
		return min
	}
	g.mu.Lock()
	d := min + time.Duration(g.rng.Int63n(int64(span)+1))
	g.mu.Unlock()
	return d
}
