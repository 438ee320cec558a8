package protect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"safety-core/internal/events"
	"safety-core/internal/gateway"
	"safety-core/internal/monitor"
	"safety-core/internal/safety"
	"safety-core/pkg/db"
)

// maxExecutionAttempts is the retry budget before an order is parked at
// needs_attention for an operator.
const maxExecutionAttempts = 3

var (
	// ErrDuplicateOrder is returned when a position already has a pending
	// order of the requested kind.
	ErrDuplicateOrder = errors.New("position already has a pending order of this kind")
	// ErrUnknownOrder is returned when the order ID is not tracked.
	ErrUnknownOrder = errors.New("unknown order")
)

// slot pairs an order with its own lock so different orders can be evaluated
// in parallel while the same order is always serialized.
type slot struct {
	mu sync.Mutex
	o  Order
}

// Manager owns the protective-order state machine. Every status transition
// is persisted before the mutating call reports success; the per-slot lock
// is the compare-and-set guard that makes trigger claiming exactly-once.
type Manager struct {
	mu    sync.RWMutex
	slots map[string]*slot

	db        *db.Database
	bus       *events.Bus
	gw        gateway.ExecutionGateway
	validator *safety.Validator
	metrics   *monitor.SystemMetrics

	now func() time.Time
}

// NewManager wires a manager. database may be nil for in-memory operation;
// metrics may be nil.
func NewManager(database *db.Database, bus *events.Bus, gw gateway.ExecutionGateway, v *safety.Validator, metrics *monitor.SystemMetrics) *Manager {
	return &Manager{
		slots:     make(map[string]*slot),
		db:        database,
		bus:       bus,
		gw:        gw,
		validator: v,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Load restores pending and triggered orders from the database so a restart
// resumes where the previous process stopped.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.LoadActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}
	m.mu.Lock()
	for _, r := range rows {
		m.slots[r.ID] = &slot{o: fromRow(r)}
	}
	m.mu.Unlock()
	if len(rows) > 0 {
		log.Printf("protect: restored %d active orders", len(rows))
	}
	return nil
}

// CreateStopLoss attaches a stop-loss at pct below (long) or above (short)
// the entry price. A non-positive pct uses the configured default.
func (m *Manager) CreateStopLoss(ctx context.Context, pos Position, pct float64) (string, error) {
	if pct <= 0 {
		pct = m.validator.Limits().StopLossPct
	}
	trigger := pos.EntryPrice * (1 - pct)
	if pos.Side == gateway.SideSell {
		trigger = pos.EntryPrice * (1 + pct)
	}
	return m.create(ctx, pos, KindStopLoss, trigger, 0, 0)
}

// CreateTakeProfit attaches a take-profit at pct above (long) or below
// (short) the entry price.
func (m *Manager) CreateTakeProfit(ctx context.Context, pos Position, pct float64) (string, error) {
	if pct <= 0 {
		pct = m.validator.Limits().TakeProfitPct
	}
	trigger := pos.EntryPrice * (1 + pct)
	if pos.Side == gateway.SideSell {
		trigger = pos.EntryPrice * (1 - pct)
	}
	return m.create(ctx, pos, KindTakeProfit, trigger, 0, 0)
}

// CreateTrailingStop attaches a trailing stop whose trigger follows the most
// favorable price at a fixed pct distance, ratcheting but never reverting.
func (m *Manager) CreateTrailingStop(ctx context.Context, pos Position, pct float64) (string, error) {
	if pct <= 0 {
		pct = m.validator.Limits().TrailingPct
	}
	trigger := pos.EntryPrice * (1 - pct)
	if pos.Side == gateway.SideSell {
		trigger = pos.EntryPrice * (1 + pct)
	}
	return m.create(ctx, pos, KindTrailingStop, trigger, pct, pos.EntryPrice)
}

func (m *Manager) create(ctx context.Context, pos Position, kind Kind, trigger, trailingPct, waterMark float64) (string, error) {
	if pos.Symbol == "" || pos.Quantity <= 0 || pos.EntryPrice <= 0 {
		return "", fmt.Errorf("invalid position: symbol=%q qty=%v entry=%v", pos.Symbol, pos.Quantity, pos.EntryPrice)
	}
	if pos.Side != gateway.SideBuy && pos.Side != gateway.SideSell {
		return "", fmt.Errorf("invalid position side %q", pos.Side)
	}

	o := Order{
		ID:           uuid.NewString(),
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Quantity:     pos.Quantity,
		EntryPrice:   pos.EntryPrice,
		Kind:         kind,
		TriggerPrice: trigger,
		TrailingPct:  trailingPct,
		WaterMark:    waterMark,
		Status:       StatusPending,
		CreatedAt:    m.now().UTC(),
	}

	m.mu.Lock()
	for _, s := range m.slots {
		s.mu.Lock()
		dup := s.o.PositionID == pos.ID && s.o.Kind == kind && s.o.Status == StatusPending
		s.mu.Unlock()
		if dup {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: position=%s kind=%s", ErrDuplicateOrder, pos.ID, kind)
		}
	}
	m.slots[o.ID] = &slot{o: o}
	m.mu.Unlock()

	if err := m.persist(ctx, o); err != nil {
		m.mu.Lock()
		delete(m.slots, o.ID)
		m.mu.Unlock()
		return "", err
	}

	log.Printf("protect: created %s %s %s qty=%.6f trigger=%.4f", kind, o.Symbol, o.Side, o.Quantity, o.TriggerPrice)
	if m.bus != nil {
		m.bus.Publish(events.EventOrderCreated, o)
	}
	return o.ID, nil
}

// Cancel marks a pending order canceled. Idempotent: canceling an order that
// is no longer pending is a no-op and reports canceled=false.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	s := m.slot(id)
	if s == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.o.Status != StatusPending {
		return false, nil
	}
	prev := s.o
	s.o.Status = StatusCanceled
	s.o.Version++
	if err := m.persist(ctx, s.o); err != nil {
		s.o = prev
		return false, err
	}
	log.Printf("protect: canceled %s (%s %s)", id, s.o.Kind, s.o.Symbol)
	if m.bus != nil {
		m.bus.Publish(events.EventOrderCanceled, s.o)
	}
	return true, nil
}

// GetOrder returns a copy of the order with the given ID.
func (m *Manager) GetOrder(id string) (Order, bool) {
	s := m.slot(id)
	if s == nil {
		return Order{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.o, true
}

// ActiveOrders returns orders still owned by the engine: pending, triggered,
// and needs_attention, oldest first.
func (m *Manager) ActiveOrders() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for _, s := range m.slots {
		s.mu.Lock()
		switch s.o.Status {
		case StatusPending, StatusTriggered, StatusNeedsAttention:
			out = append(out, s.o)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingSymbols returns the distinct symbols that have at least one pending
// order; this is the watch set for the price monitor.
func (m *Manager) PendingSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, s := range m.slots {
		s.mu.Lock()
		if s.o.Status == StatusPending {
			seen[s.o.Symbol] = true
		}
		s.mu.Unlock()
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// NearestStop returns the most protective pending stop trigger for a
// position: highest for a long, lowest for a short. Take-profits do not
// count. Satisfies the validator's stop lookup for portfolio heat.
func (m *Manager) NearestStop(positionID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best float64
	var side gateway.Side
	found := false
	for _, s := range m.slots {
		s.mu.Lock()
		o := s.o
		s.mu.Unlock()
		if o.PositionID != positionID || o.Status != StatusPending {
			continue
		}
		if o.Kind != KindStopLoss && o.Kind != KindTrailingStop {
			continue
		}
		if !found {
			best, side, found = o.TriggerPrice, o.Side, true
			continue
		}
		if (side == gateway.SideBuy && o.TriggerPrice > best) ||
			(side == gateway.SideSell && o.TriggerPrice < best) {
			best = o.TriggerPrice
		}
	}
	return best, found
}

// EvaluateSymbol updates trailing state and claims newly triggered orders
// for the given symbol at the given price. It returns the IDs whose
// pending → triggered transition this call won; callers execute them.
func (m *Manager) EvaluateSymbol(ctx context.Context, symbol string, price float64) []string {
	m.mu.RLock()
	candidates := make([]*slot, 0, 4)
	for _, s := range m.slots {
		s.mu.Lock()
		match := s.o.Symbol == symbol && s.o.Status == StatusPending
		s.mu.Unlock()
		if match {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	var triggered []string
	for _, s := range candidates {
		s.mu.Lock()
		if s.o.Status != StatusPending {
			// lost the race to another evaluation; benign
			s.mu.Unlock()
			continue
		}
		m.ratchetLocked(ctx, s, price)
		if !checkTrigger(s.o, price) {
			s.mu.Unlock()
			continue
		}
		// claim: pending → triggered under the slot lock
		prev := s.o
		now := m.now().UTC()
		s.o.Status = StatusTriggered
		s.o.TriggeredAt = &now
		s.o.Version++
		if err := m.persist(ctx, s.o); err != nil {
			s.o = prev
			s.mu.Unlock()
			log.Printf("protect: persist trigger claim %s: %v", prev.ID, err)
			continue
		}
		o := s.o
		s.mu.Unlock()

		log.Printf("protect: TRIGGERED %s %s %s trigger=%.4f price=%.4f", o.Kind, o.Symbol, o.ID, o.TriggerPrice, price)
		if m.metrics != nil {
			m.metrics.IncrementTriggered()
		}
		if m.bus != nil {
			m.bus.Publish(events.EventOrderTriggered, o)
		}
		triggered = append(triggered, o.ID)
	}
	return triggered
}

// ratchetLocked advances a trailing stop's water mark and trigger. The
// trigger only ever moves in the protective direction. Caller holds s.mu.
func (m *Manager) ratchetLocked(ctx context.Context, s *slot, price float64) {
	if s.o.Kind != KindTrailingStop || s.o.TrailingPct <= 0 {
		return
	}
	o := &s.o
	moved := false
	if o.Side == gateway.SideBuy {
		if price > o.WaterMark {
			o.WaterMark = price
			if candidate := o.WaterMark * (1 - o.TrailingPct); candidate > o.TriggerPrice {
				o.TriggerPrice = candidate
			}
			moved = true
		}
	} else {
		if price < o.WaterMark {
			o.WaterMark = price
			if candidate := o.WaterMark * (1 + o.TrailingPct); candidate < o.TriggerPrice {
				o.TriggerPrice = candidate
			}
			moved = true
		}
	}
	if moved {
		o.Version++
		if err := m.persist(ctx, *o); err != nil {
			log.Printf("protect: persist trailing ratchet %s: %v", o.ID, err)
		}
	}
}

// checkTrigger reports whether the order's condition holds at price.
func checkTrigger(o Order, price float64) bool {
	long := o.Side == gateway.SideBuy
	switch o.Kind {
	case KindStopLoss, KindTrailingStop:
		if long {
			return price <= o.TriggerPrice
		}
		return price >= o.TriggerPrice
	case KindTakeProfit:
		if long {
			return price >= o.TriggerPrice
		}
		return price <= o.TriggerPrice
	}
	return false
}

// ExecuteTriggered closes the position behind a triggered order through the
// execution gateway. Failures are retried by reverting the order to pending
// until the attempt budget is spent, after which the order is parked at
// needs_attention and an operator alert is raised.
func (m *Manager) ExecuteTriggered(ctx context.Context, id string) error {
	s := m.slot(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}

	s.mu.Lock()
	if s.o.Status != StatusTriggered {
		s.mu.Unlock()
		return nil
	}
	o := s.o
	s.mu.Unlock()

	limits := m.validator.Limits()
	execCtx, cancel := context.WithTimeout(ctx, limits.ExecutionTimeout())
	var hist *monitor.LatencyHistogram
	if m.metrics != nil {
		hist = m.metrics.ExecutionLatency
	}
	timer := monitor.NewTimer(hist)
	res, err := m.gw.Execute(execCtx, gateway.OrderRequest{
		Symbol:    o.Symbol,
		Side:      o.Side.Opposite(),
		Qty:       o.Quantity,
		OrderType: "MARKET",
	})
	cancel()
	timer.Stop()

	if err != nil || !res.Success {
		reason := res.Err
		if err != nil {
			reason = err.Error()
		}
		return m.executionFailed(ctx, s, reason)
	}
	return m.executionSucceeded(ctx, s, res.FilledPrice)
}

func (m *Manager) executionSucceeded(ctx context.Context, s *slot, fill float64) error {
	s.mu.Lock()
	prev := s.o
	s.o.Status = StatusExecuted
	s.o.Version++
	if err := m.persist(ctx, s.o); err != nil {
		s.o = prev
		s.mu.Unlock()
		return err
	}
	o := s.o
	s.mu.Unlock()

	pnl := (fill - o.EntryPrice) * o.Quantity
	if o.Side == gateway.SideSell {
		pnl = (o.EntryPrice - fill) * o.Quantity
	}
	slippage := 0.0
	if o.TriggerPrice > 0 {
		slippage = math.Abs(fill-o.TriggerPrice) / o.TriggerPrice
	}

	limits := m.validator.Limits()
	if slippage > limits.MaxSlippagePct {
		log.Printf("protect: WARN fill slippage %.4f%% on %s exceeds %.4f%%", slippage*100, o.ID, limits.MaxSlippagePct*100)
	}
	log.Printf("protect: EXECUTED %s %s %s fill=%.4f pnl=%.4f", o.Kind, o.Symbol, o.ID, fill, pnl)

	if m.metrics != nil {
		m.metrics.IncrementExecuted()
	}
	if m.db != nil {
		trade := db.Trade{
			ID:       uuid.NewString(),
			OrderID:  o.ID,
			Symbol:   o.Symbol,
			Side:     string(o.Side.Opposite()),
			Qty:      o.Quantity,
			Price:    fill,
			PnL:      pnl,
			Slippage: slippage,
		}
		if err := m.db.CreateTrade(ctx, trade); err != nil {
			log.Printf("protect: journal trade for %s: %v", o.ID, err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(events.EventOrderExecuted, map[string]any{
			"order": o, "filled_price": fill, "pnl": pnl, "slippage": slippage,
		})
	}

	if err := m.validator.RecordTradeResult(ctx, pnl); err != nil {
		log.Printf("protect: record trade result for %s: %v", o.ID, err)
	}

	m.cancelSiblings(ctx, o)
	return nil
}

func (m *Manager) executionFailed(ctx context.Context, s *slot, reason string) error {
	s.mu.Lock()
	prev := s.o
	s.o.RetryCount++
	if s.o.RetryCount < maxExecutionAttempts {
		s.o.Status = StatusPending
		s.o.TriggeredAt = nil
	} else {
		s.o.Status = StatusNeedsAttention
	}
	s.o.Version++
	if err := m.persist(ctx, s.o); err != nil {
		s.o = prev
		s.mu.Unlock()
		return err
	}
	o := s.o
	s.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncrementRetries()
	}
	if o.Status == StatusNeedsAttention {
		log.Printf("protect: ALERT order %s needs attention after %d failed executions: %s", o.ID, o.RetryCount, reason)
		if m.bus != nil {
			m.bus.Publish(events.EventOrderNeedsAttention, o)
			m.bus.Publish(events.EventRiskAlert, map[string]any{
				"kind": "order_needs_attention", "reason": reason, "order_id": o.ID,
			})
		}
		return nil
	}
	log.Printf("protect: execution failed for %s (attempt %d/%d): %s", o.ID, o.RetryCount, maxExecutionAttempts, reason)
	if m.bus != nil {
		m.bus.Publish(events.EventOrderRetry, o)
	}
	return nil
}

// cancelSiblings cancels the other pending protective orders on the same
// position once one of them has closed it.
func (m *Manager) cancelSiblings(ctx context.Context, executed Order) {
	if executed.PositionID == "" {
		return
	}
	m.mu.RLock()
	var siblings []string
	for id, s := range m.slots {
		if id == executed.ID {
			continue
		}
		s.mu.Lock()
		match := s.o.PositionID == executed.PositionID && s.o.Status == StatusPending
		s.mu.Unlock()
		if match {
			siblings = append(siblings, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range siblings {
		if _, err := m.Cancel(ctx, id); err != nil {
			log.Printf("protect: cancel counterpart %s: %v", id, err)
		}
	}
}

func (m *Manager) slot(id string) *slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[id]
}

func (m *Manager) persist(ctx context.Context, o Order) error {
	if m.db == nil {
		return nil
	}
	var timer *monitor.Timer
	if m.metrics != nil {
		timer = monitor.NewTimer(m.metrics.DBLatency)
	}
	err := m.db.SaveProtectiveOrder(ctx, o.toRow())
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		return fmt.Errorf("persist order %s: %w", o.ID, err)
	}
	return nil
}
