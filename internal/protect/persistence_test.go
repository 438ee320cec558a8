package protect

import (
	"context"
	"path/filepath"
	"testing"

	"safety-core/internal/events"
	"safety-core/internal/safety"
	"safety-core/pkg/db"
)

// A restart reloads pending orders with identical state and keeps
// enforcing them: no protective order is lost across a crash.
func TestManagerRestartRestoresActiveOrders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()

	open := func() (*db.Database, *Manager) {
		d, err := db.New(path)
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		if err := db.ApplyMigrations(d); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		state := safety.NewStateStore(d, nil)
		if err := state.Load(ctx); err != nil {
			t.Fatalf("load state: %v", err)
		}
		v := safety.NewValidator(state, safety.DefaultLimits(), nil)
		m := NewManager(d, events.NewBus(), &fakeGateway{fill: 3104}, v, nil)
		if err := m.Load(ctx); err != nil {
			t.Fatalf("load orders: %v", err)
		}
		return d, m
	}

	d, m := open()
	pos := Position{ID: "p1", Symbol: "ETHUSDT", Side: "buy", Quantity: 1, EntryPrice: 3000}
	id, err := m.CreateTrailingStop(ctx, pos, 0.03)
	if err != nil {
		t.Fatalf("CreateTrailingStop: %v", err)
	}
	// ratchet moves the trigger; the movement must be durable
	m.EvaluateSymbol(ctx, "ETHUSDT", 3200)
	d.Close()

	d, m = open()
	defer d.Close()

	o, ok := m.GetOrder(id)
	if !ok {
		t.Fatalf("order %s lost across restart", id)
	}
	if o.Status != StatusPending {
		t.Fatalf("Status=%s, expected pending", o.Status)
	}
	if o.TriggerPrice < 3103.9 || o.TriggerPrice > 3104.1 {
		t.Fatalf("TriggerPrice=%v, expected ratcheted 3104 to survive restart", o.TriggerPrice)
	}

	// the restored order still triggers and executes
	if got := m.EvaluateSymbol(ctx, "ETHUSDT", 3100); len(got) != 1 {
		t.Fatalf("restored order did not trigger: %v", got)
	}
	if err := m.ExecuteTriggered(ctx, id); err != nil {
		t.Fatalf("ExecuteTriggered: %v", err)
	}
	o, _ = m.GetOrder(id)
	if o.Status != StatusExecuted {
		t.Fatalf("Status=%s, expected executed", o.Status)
	}
}

// Kill-switch state survives a restart.
func TestSafetyStateRestartRestoresKillSwitch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	ctx := context.Background()

	d, err := db.New(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	state := safety.NewStateStore(d, nil)
	if err := state.ActivateKillSwitch(ctx, "operator halt"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	d.Close()

	d, err = db.New(path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer d.Close()
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	state = safety.NewStateStore(d, nil)
	if err := state.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := state.Snapshot()
	if !st.KillSwitchActive || st.KillSwitchReason != "operator halt" {
		t.Fatalf("restored state %+v, expected active kill switch", st)
	}
}
