package protect

import (
	"context"
	"log"
	"sync"
	"time"

	"safety-core/internal/gateway"
	"safety-core/internal/monitor"
)

// defaultExecutionSlots bounds concurrent in-flight executions so one slow
// venue call cannot stall trigger detection for other symbols.
const defaultExecutionSlots = 10

// PriceMonitor runs the tick loop: collect watched symbols, batch-fetch
// prices, evaluate triggers, and hand won triggers to a bounded execution
// pool. There is exactly one tick loop per monitor.
type PriceMonitor struct {
	mgr     *Manager
	feed    gateway.PriceFeed
	metrics *monitor.SystemMetrics

	mu       sync.Mutex
	running  bool
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	pool chan struct{}
	wg   sync.WaitGroup
}

// NewPriceMonitor creates a stopped monitor. metrics may be nil.
func NewPriceMonitor(mgr *Manager, feed gateway.PriceFeed, metrics *monitor.SystemMetrics) *PriceMonitor {
	return &PriceMonitor{
		mgr:     mgr,
		feed:    feed,
		metrics: metrics,
		pool:    make(chan struct{}, defaultExecutionSlots),
	}
}

// Start launches the tick loop. Idempotent: starting a running monitor is a
// no-op. A non-positive interval falls back to the configured default.
func (pm *PriceMonitor) Start(interval time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.running {
		return
	}
	if interval <= 0 {
		interval = pm.mgr.validator.Limits().MonitorInterval()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pm.running = true
	pm.interval = interval
	pm.cancel = cancel
	pm.done = make(chan struct{})

	go pm.loop(ctx, interval, pm.done)
	log.Printf("monitor: started (interval=%s)", interval)
}

// Stop signals the loop to exit and waits for the in-flight tick and all
// dispatched executions to drain. Idempotent.
func (pm *PriceMonitor) Stop() {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return
	}
	cancel, done := pm.cancel, pm.done
	pm.mu.Unlock()

	cancel()
	<-done
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.cancel = nil
	pm.done = nil
	pm.mu.Unlock()
	log.Println("monitor: stopped")
}

// MonitorStatus is the externally visible monitor state.
type MonitorStatus struct {
	Running         bool     `json:"running"`
	IntervalSeconds float64  `json:"interval_seconds"`
	WatchedSymbols  []string `json:"watched_symbols"`
}

// Status reports whether the loop runs, at what interval, and which symbols
// it currently watches.
func (pm *PriceMonitor) Status() MonitorStatus {
	pm.mu.Lock()
	running, interval := pm.running, pm.interval
	pm.mu.Unlock()
	return MonitorStatus{
		Running:         running,
		IntervalSeconds: interval.Seconds(),
		WatchedSymbols:  pm.mgr.PendingSymbols(),
	}
}

func (pm *PriceMonitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pm.tick(ctx)
		}
	}
}

// RunOnce performs a single evaluation pass and returns the IDs of orders
// this pass triggered. Used by the diagnostic check-triggers operation.
func (pm *PriceMonitor) RunOnce(ctx context.Context) ([]string, error) {
	return pm.evaluate(ctx)
}

// tick is one pass of the loop. Executions are dispatched asynchronously
// through the bounded pool so the loop itself never blocks on the venue.
func (pm *PriceMonitor) tick(ctx context.Context) {
	var timer *monitor.Timer
	if pm.metrics != nil {
		pm.metrics.IncrementTicks()
		timer = monitor.NewTimer(pm.metrics.TickLatency)
	}
	_, err := pm.evaluate(ctx)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		log.Printf("monitor: tick: %v", err)
		if pm.metrics != nil {
			pm.metrics.IncrementErrors()
		}
	}
}

func (pm *PriceMonitor) evaluate(ctx context.Context) ([]string, error) {
	symbols := pm.mgr.PendingSymbols()
	if len(symbols) == 0 {
		return nil, nil
	}

	prices, err := pm.feed.GetPrices(ctx, symbols)
	if err != nil {
		return nil, err
	}

	var all []string
	for _, sym := range symbols {
		price, ok := prices[sym]
		if !ok || price <= 0 {
			// isolated failure: skip this symbol for this tick only
			log.Printf("monitor: no price for %s, skipping this tick", sym)
			continue
		}
		for _, id := range pm.mgr.EvaluateSymbol(ctx, sym, price) {
			all = append(all, id)
			pm.dispatch(id)
		}
	}
	return all, nil
}

// dispatch hands an execution to the pool without blocking the caller; the
// pool bounds how many run concurrently.
func (pm *PriceMonitor) dispatch(id string) {
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		pm.pool <- struct{}{}
		defer func() { <-pm.pool }()

		// executions survive monitor shutdown; they carry their own timeout
		if err := pm.mgr.ExecuteTriggered(context.Background(), id); err != nil {
			log.Printf("monitor: execute %s: %v", id, err)
			if pm.metrics != nil {
				pm.metrics.IncrementErrors()
			}
		}
	}()
}
