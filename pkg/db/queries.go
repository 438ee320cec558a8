package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveProtectiveOrder upserts a protective order row. Every status
// transition goes through here before the caller reports success.
func (d *Database) SaveProtectiveOrder(ctx context.Context, o ProtectiveOrder) error {
	var triggeredAt any
	if o.TriggeredAt != nil {
		triggeredAt = o.TriggeredAt.UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO protective_orders (
			id, position_id, symbol, side, qty, entry_price, kind,
			trigger_price, trailing_pct, water_mark, status, retry_count,
			version, created_at, triggered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_price = excluded.trigger_price,
			water_mark = excluded.water_mark,
			status = excluded.status,
			retry_count = excluded.retry_count,
			version = excluded.version,
			triggered_at = excluded.triggered_at
	`,
		o.ID, o.PositionID, o.Symbol, o.Side, o.Qty, o.EntryPrice, o.Kind,
		o.TriggerPrice, o.TrailingPct, o.WaterMark, o.Status, o.RetryCount,
		o.Version, nullableTime(o.CreatedAt), triggeredAt,
	)
	if err != nil {
		return fmt.Errorf("save protective order %s: %w", o.ID, err)
	}
	return nil
}

// LoadActiveOrders returns orders still owned by the engine: pending and
// triggered-but-unresolved ones, so a restart can resume them.
func (d *Database) LoadActiveOrders(ctx context.Context) ([]ProtectiveOrder, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, position_id, symbol, side, qty, entry_price, kind,
		       trigger_price, trailing_pct, water_mark, status, retry_count,
		       version, created_at, triggered_at
		FROM protective_orders
		WHERE status IN ('pending', 'triggered')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load active orders: %w", err)
	}
	defer rows.Close()

	var orders []ProtectiveOrder
	for rows.Next() {
		var o ProtectiveOrder
		var triggeredAt sql.NullTime
		if err := rows.Scan(
			&o.ID, &o.PositionID, &o.Symbol, &o.Side, &o.Qty, &o.EntryPrice,
			&o.Kind, &o.TriggerPrice, &o.TrailingPct, &o.WaterMark, &o.Status,
			&o.RetryCount, &o.Version, &o.CreatedAt, &triggeredAt,
		); err != nil {
			return nil, fmt.Errorf("scan protective order: %w", err)
		}
		if triggeredAt.Valid {
			t := triggeredAt.Time
			o.TriggeredAt = &t
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetProtectiveOrder fetches a single order by ID; returns nil when absent.
func (d *Database) GetProtectiveOrder(ctx context.Context, id string) (*ProtectiveOrder, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, position_id, symbol, side, qty, entry_price, kind,
		       trigger_price, trailing_pct, water_mark, status, retry_count,
		       version, created_at, triggered_at
		FROM protective_orders
		WHERE id = ?
	`, id)

	var o ProtectiveOrder
	var triggeredAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.PositionID, &o.Symbol, &o.Side, &o.Qty, &o.EntryPrice,
		&o.Kind, &o.TriggerPrice, &o.TrailingPct, &o.WaterMark, &o.Status,
		&o.RetryCount, &o.Version, &o.CreatedAt, &triggeredAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get protective order %s: %w", id, err)
	}
	if triggeredAt.Valid {
		t := triggeredAt.Time
		o.TriggeredAt = &t
	}
	return &o, nil
}

// SaveSafetyState writes the single safety-state row.
func (d *Database) SaveSafetyState(ctx context.Context, s SafetyState) error {
	var activatedAt any
	if s.KillSwitchActivatedAt != nil {
		activatedAt = s.KillSwitchActivatedAt.UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO safety_state (
			id, daily_loss, daily_reset_at, consecutive_losses,
			kill_switch_active, kill_switch_reason, kill_switch_activated_at,
			last_balance, version, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			daily_loss = excluded.daily_loss,
			daily_reset_at = excluded.daily_reset_at,
			consecutive_losses = excluded.consecutive_losses,
			kill_switch_active = excluded.kill_switch_active,
			kill_switch_reason = excluded.kill_switch_reason,
			kill_switch_activated_at = excluded.kill_switch_activated_at,
			last_balance = excluded.last_balance,
			version = excluded.version,
			updated_at = CURRENT_TIMESTAMP
	`,
		s.DailyLoss, s.DailyResetAt.UTC(), s.ConsecutiveLosses,
		boolToInt(s.KillSwitchActive), s.KillSwitchReason, activatedAt,
		s.LastBalance, s.Version,
	)
	if err != nil {
		return fmt.Errorf("save safety state: %w", err)
	}
	return nil
}

// LoadSafetyState reads the safety-state row; returns nil when the engine
// has never persisted one.
func (d *Database) LoadSafetyState(ctx context.Context) (*SafetyState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT daily_loss, daily_reset_at, consecutive_losses,
		       kill_switch_active, kill_switch_reason, kill_switch_activated_at,
		       last_balance, version
		FROM safety_state
		WHERE id = 1
	`)

	var s SafetyState
	var active int
	var activatedAt sql.NullTime
	err := row.Scan(
		&s.DailyLoss, &s.DailyResetAt, &s.ConsecutiveLosses,
		&active, &s.KillSwitchReason, &activatedAt,
		&s.LastBalance, &s.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load safety state: %w", err)
	}
	s.KillSwitchActive = active == 1
	if activatedAt.Valid {
		t := activatedAt.Time
		s.KillSwitchActivatedAt = &t
	}
	return &s, nil
}

// CreateTrade inserts a fill row for an executed protective order.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, qty, price, pnl, slippage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		t.ID, t.OrderID, t.Symbol, t.Side, t.Qty, t.Price, t.PnL, t.Slippage, nullableTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create trade: %w", err)
	}
	return nil
}

// ListTrades returns the most recent fills, newest first.
func (d *Database) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, qty, price, pnl, slippage, created_at
		FROM trades
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Qty, &t.Price, &t.PnL, &t.Slippage, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`,
		u.ID, u.Email, u.PasswordHash, boolToInt(u.IsAdmin), nullableTime(u.CreatedAt), nullableTime(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CountUsers returns the number of registered users.
func (d *Database) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// GetUserByEmail returns the user with the given email, or nil when absent.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_admin, created_at, updated_at
		FROM users
		WHERE email = ?
	`, email)

	var u User
	var isAdmin int
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &isAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	u.IsAdmin = isAdmin == 1
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableTime maps the zero time to NULL so COALESCE defaults apply.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
