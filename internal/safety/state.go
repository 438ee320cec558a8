package safety

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"safety-core/internal/events"
	"safety-core/pkg/db"
)

// StateStore owns the durable safety counters and the kill switch. All
// mutations go through its methods under one mutex; every mutation is
// persisted before the call returns success. A nil database keeps the store
// purely in memory, which the tests use.
type StateStore struct {
	mu  sync.Mutex
	db  *db.Database
	bus *events.Bus
	st  db.SafetyState

	now func() time.Time // injectable for rollover tests
}

// NewStateStore creates a store with zeroed counters. Call Load to restore
// persisted state.
func NewStateStore(database *db.Database, bus *events.Bus) *StateStore {
	s := &StateStore{db: database, bus: bus, now: time.Now}
	s.st.DailyResetAt = midnightUTC(s.now())
	return s
}

// Load restores the persisted state row, if any.
func (s *StateStore) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	st, err := s.db.LoadSafetyState(ctx)
	if err != nil {
		return fmt.Errorf("load safety state: %w", err)
	}
	if st == nil {
		return nil
	}
	s.mu.Lock()
	s.st = *st
	s.mu.Unlock()
	log.Printf("safety: state restored (kill_switch=%v daily_loss=%.2f consecutive=%d)",
		st.KillSwitchActive, st.DailyLoss, st.ConsecutiveLosses)
	return nil
}

// Snapshot returns a read-only copy of the current state. The daily rollover
// is applied first so readers never see the previous UTC day's accumulator.
func (s *StateStore) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	st := Status{
		KillSwitchActive:  s.st.KillSwitchActive,
		KillSwitchReason:  s.st.KillSwitchReason,
		DailyLoss:         s.st.DailyLoss,
		DailyResetAt:      s.st.DailyResetAt,
		ConsecutiveLosses: s.st.ConsecutiveLosses,
	}
	if s.st.KillSwitchActivatedAt != nil {
		t := *s.st.KillSwitchActivatedAt
		st.KillSwitchActivatedAt = &t
	}
	return st
}

// RecordTradeResult folds a realized pnl into the counters and evaluates the
// loss thresholds. This is the single writer for the loss counters.
func (s *StateStore) RecordTradeResult(ctx context.Context, pnl float64, limits Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rolloverLocked()
	s.st.DailyLoss += pnl
	if pnl < 0 {
		s.st.ConsecutiveLosses++
	} else {
		s.st.ConsecutiveLosses = 0
	}

	if !s.st.KillSwitchActive {
		if s.st.ConsecutiveLosses >= limits.MaxConsecutiveLosses {
			s.activateLocked(fmt.Sprintf("%d consecutive losing trades", s.st.ConsecutiveLosses))
		} else if s.st.LastBalance > 0 && s.st.DailyLoss <= -limits.DailyLossLimitPct*s.st.LastBalance {
			s.activateLocked(fmt.Sprintf("daily loss %.2f breached %.1f%% of balance %.2f",
				s.st.DailyLoss, limits.DailyLossLimitPct*100, s.st.LastBalance))
		}
	}

	return s.persistLocked(ctx)
}

// ActivateKillSwitch trips the kill switch with a reason. Idempotent.
func (s *StateStore) ActivateKillSwitch(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.KillSwitchActive {
		return nil
	}
	s.activateLocked(reason)
	return s.persistLocked(ctx)
}

// ResetKillSwitch clears the kill switch when adminOverride is set; otherwise
// it is a no-op. Returns whether the switch was cleared.
func (s *StateStore) ResetKillSwitch(ctx context.Context, adminOverride bool) (bool, error) {
	if !adminOverride {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.st.KillSwitchActive {
		return false, nil
	}
	reason := s.st.KillSwitchReason
	s.st.KillSwitchActive = false
	s.st.KillSwitchReason = ""
	s.st.KillSwitchActivatedAt = nil
	if err := s.persistLocked(ctx); err != nil {
		return false, err
	}
	log.Printf("safety: kill switch reset by admin (was: %s)", reason)
	if s.bus != nil {
		s.bus.Publish(events.EventKillSwitch, map[string]any{"active": false})
	}
	return true, nil
}

// SetLastBalance records the most recent account balance seen by validation,
// used by the daily-loss threshold in RecordTradeResult.
func (s *StateStore) SetLastBalance(ctx context.Context, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if balance <= 0 || balance == s.st.LastBalance {
		return nil
	}
	s.st.LastBalance = balance
	return s.persistLocked(ctx)
}

// activateLocked flips the switch. Caller holds the mutex and persists.
func (s *StateStore) activateLocked(reason string) {
	now := s.now().UTC()
	s.st.KillSwitchActive = true
	s.st.KillSwitchReason = reason
	s.st.KillSwitchActivatedAt = &now
	log.Printf("safety: ALERT kill switch ACTIVATED: %s", reason)
	if s.bus != nil {
		s.bus.Publish(events.EventKillSwitch, map[string]any{"active": true, "reason": reason})
		s.bus.Publish(events.EventRiskAlert, map[string]any{"kind": "kill_switch", "reason": reason})
	}
}

// rolloverLocked zeroes the daily accumulator when the UTC date has rolled
// over. The consecutive-loss count and the kill switch survive rollover.
func (s *StateStore) rolloverLocked() {
	today := midnightUTC(s.now())
	if today.After(s.st.DailyResetAt) {
		s.st.DailyLoss = 0
		s.st.DailyResetAt = today
	}
}

func (s *StateStore) persistLocked(ctx context.Context) error {
	s.st.Version++
	if s.db == nil {
		return nil
	}
	if err := s.db.SaveSafetyState(ctx, s.st); err != nil {
		return fmt.Errorf("persist safety state: %w", err)
	}
	return nil
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
