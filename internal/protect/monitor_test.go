package protect

import (
	"context"
	"errors"
	"testing"
	"time"

	"safety-core/internal/events"
	"safety-core/internal/gateway"
	"safety-core/internal/safety"
)

// mapFeed serves a fixed price map; absent symbols fail per symbol.
type mapFeed struct {
	prices map[string]float64
}

func (f *mapFeed) GetPrice(_ context.Context, symbol string) (float64, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("symbol unavailable")
	}
	return p, nil
}

func (f *mapFeed) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func newTestMonitor(gw gateway.ExecutionGateway, feed gateway.PriceFeed) (*PriceMonitor, *Manager) {
	state := safety.NewStateStore(nil, nil)
	v := safety.NewValidator(state, safety.DefaultLimits(), feed)
	m := NewManager(nil, events.NewBus(), gw, v, nil)
	return NewPriceMonitor(m, feed, nil), m
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	pm, _ := newTestMonitor(&fakeGateway{fill: 1}, &mapFeed{prices: map[string]float64{}})

	pm.Start(50 * time.Millisecond)
	pm.Start(time.Hour) // no-op: already running

	st := pm.Status()
	if !st.Running {
		t.Fatal("expected running")
	}
	if st.IntervalSeconds != 0.05 {
		t.Fatalf("IntervalSeconds=%v, second Start must not change the interval", st.IntervalSeconds)
	}

	pm.Stop()
	pm.Stop() // no-op: already stopped
	if pm.Status().Running {
		t.Fatal("expected stopped")
	}
}

// A symbol the feed cannot price is skipped for the tick; the other symbols
// are still evaluated.
func TestRunOnceIsolatesPerSymbolFailures(t *testing.T) {
	feed := &mapFeed{prices: map[string]float64{"BTCUSDT": 48000}} // no ETH price
	pm, m := newTestMonitor(&fakeGateway{fill: 48000}, feed)
	ctx := context.Background()

	btcID, err := m.CreateStopLoss(ctx, longPosition("p1"), 0.02)
	if err != nil {
		t.Fatalf("CreateStopLoss: %v", err)
	}
	ethID, err := m.CreateStopLoss(ctx, Position{ID: "p2", Symbol: "ETHUSDT", Side: gateway.SideBuy, Quantity: 1, EntryPrice: 3000}, 0.02)
	if err != nil {
		t.Fatalf("CreateStopLoss: %v", err)
	}

	triggered, err := pm.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(triggered) != 1 || triggered[0] != btcID {
		t.Fatalf("triggered=%v, expected only the priced symbol %s", triggered, btcID)
	}
	eth, _ := m.GetOrder(ethID)
	if eth.Status != StatusPending {
		t.Fatalf("unpriced symbol's order Status=%s, expected still pending", eth.Status)
	}
}

func TestRunOnceWithNoPendingOrders(t *testing.T) {
	pm, _ := newTestMonitor(&fakeGateway{fill: 1}, &mapFeed{prices: map[string]float64{}})
	triggered, err := pm.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(triggered) != 0 {
		t.Fatalf("triggered=%v, expected none", triggered)
	}
}

// A dispatched execution completes and the order reaches executed even
// though RunOnce itself returns before the venue call finishes.
func TestDispatchedExecutionCompletes(t *testing.T) {
	feed := &mapFeed{prices: map[string]float64{"BTCUSDT": 48900}}
	pm, m := newTestMonitor(&fakeGateway{fill: 48900}, feed)
	ctx := context.Background()

	id, err := m.CreateStopLoss(ctx, longPosition("p1"), 0.02)
	if err != nil {
		t.Fatalf("CreateStopLoss: %v", err)
	}
	triggered, err := pm.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(triggered) != 1 {
		t.Fatalf("triggered=%v", triggered)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		o, _ := m.GetOrder(id)
		if o.Status == StatusExecuted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order stuck at %s, expected executed", o.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMonitorLoopPicksUpTrigger(t *testing.T) {
	feed := &mapFeed{prices: map[string]float64{"BTCUSDT": 48900}}
	pm, m := newTestMonitor(&fakeGateway{fill: 48900}, feed)
	ctx := context.Background()

	id, err := m.CreateStopLoss(ctx, longPosition("p1"), 0.02)
	if err != nil {
		t.Fatalf("CreateStopLoss: %v", err)
	}

	pm.Start(20 * time.Millisecond)
	defer pm.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		o, _ := m.GetOrder(id)
		if o.Status == StatusExecuted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order stuck at %s, expected executed via loop", o.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
