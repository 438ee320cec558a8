package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"safety-core/internal/events"
	"safety-core/pkg/cache"
)

// MockFeed generates synthetic random-walk prices for local development and
// paper trading. It serves PriceFeed from a sharded last-price cache and,
// when wired to a bus, publishes ticks so websocket clients see movement.
type MockFeed struct {
	Bus        *events.Bus
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration

	prices *cache.ShardedPriceCache

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockFeed seeds every symbol at startPrice.
func NewMockFeed(bus *events.Bus, symbols []string, startPrice float64) *MockFeed {
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}
	if startPrice == 0 {
		startPrice = 100.0
	}
	prices := cache.NewShardedPriceCache()
	for _, sym := range symbols {
		prices.Set(sym, startPrice)
	}
	return &MockFeed{
		Bus:        bus,
		Symbols:    symbols,
		StartPrice: startPrice,
		Step:       0.5,
		Interval:   time.Second,
		prices:     prices,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start walks prices on a ticker until ctx is canceled.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	if m.Step == 0 {
		m.Step = 0.5
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("mock feed: stopped")
				return
			case <-t.C:
				m.walk()
			}
		}
	}()
}

func (m *MockFeed) walk() {
	for _, sym := range m.Symbols {
		p, ok := m.prices.Get(sym)
		if !ok {
			p = m.StartPrice
		}
		// simple random walk, floored above zero
		m.mu.Lock()
		p += (m.rng.Float64()*2 - 1) * m.Step
		m.mu.Unlock()
		if p <= 0 {
			p = m.Step
		}
		m.prices.Set(sym, p)

		if m.Bus != nil {
			m.Bus.Publish(events.EventPriceTick, struct {
				Symbol string  `json:"symbol"`
				Close  float64 `json:"close"`
			}{Symbol: sym, Close: p})
		}
	}
}

// SetPrice pins a symbol's price; used by tests and the paper venue.
func (m *MockFeed) SetPrice(symbol string, price float64) {
	m.prices.Set(symbol, price)
}

// GetPrice returns the last walked price for symbol.
func (m *MockFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	p, ok := m.prices.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("mock feed: unknown symbol %s", symbol)
	}
	return p, nil
}

// GetPrices returns prices for the known subset of symbols. Unknown symbols
// are simply absent from the map.
func (m *MockFeed) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if p, ok := m.prices.Get(sym); ok {
			out[sym] = p
		}
	}
	return out, nil
}
