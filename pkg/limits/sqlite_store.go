package limits

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on embedded SQLite. SQLite has no row
// locks, so ConsumeWithin serializes behind a process-local mutex; the
// embedded database has exactly one writing process, which makes the
// mutex a correct (if coarse) substitute for SELECT FOR UPDATE.
type SQLiteStore struct {
	db        *sql.DB
	consumeMu sync.Mutex
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS spending_limits (
		principal_id TEXT PRIMARY KEY,
		daily_limit INTEGER NOT NULL,
		monthly_limit INTEGER NOT NULL,
		per_transaction_limit INTEGER NOT NULL,
		require_approval_above INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS usage_daily (
		principal_id TEXT NOT NULL,
		day TEXT NOT NULL,
		spent INTEGER NOT NULL DEFAULT 0,
		txn_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (principal_id, day)
	);
	CREATE TABLE IF NOT EXISTS usage_monthly (
		principal_id TEXT NOT NULL,
		month TEXT NOT NULL,
		spent INTEGER NOT NULL DEFAULT 0,
		txn_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (principal_id, month)
	);
	CREATE TABLE IF NOT EXISTS merchant_rules (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		pattern TEXT NOT NULL,
		action TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS category_rules (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		category TEXT NOT NULL,
		action TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Limits(ctx context.Context, principalID string) (*SpendingLimits, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT principal_id, daily_limit, monthly_limit, per_transaction_limit,
			require_approval_above, is_active, updated_at
		FROM spending_limits WHERE principal_id = ?`, principalID)

	var l SpendingLimits
	var approval sql.NullInt64
	err := row.Scan(&l.PrincipalID, &l.DailyLimit, &l.MonthlyLimit,
		&l.PerTransactionLimit, &approval, &l.IsActive, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return DefaultLimits(principalID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get limits: %w", err)
	}
	if approval.Valid {
		v := approval.Int64
		l.RequireApprovalAbove = &v
	}
	return &l, nil
}

func (s *SQLiteStore) SetLimits(ctx context.Context, l *SpendingLimits) error {
	var approval sql.NullInt64
	if l.RequireApprovalAbove != nil {
		approval = sql.NullInt64{Int64: *l.RequireApprovalAbove, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spending_limits (principal_id, daily_limit, monthly_limit,
			per_transaction_limit, require_approval_above, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			monthly_limit = excluded.monthly_limit,
			per_transaction_limit = excluded.per_transaction_limit,
			require_approval_above = excluded.require_approval_above,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		l.PrincipalID, l.DailyLimit, l.MonthlyLimit, l.PerTransactionLimit,
		approval, l.IsActive, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Usage(ctx context.Context, principalID string, p Period) (*Usage, error) {
	u := &Usage{PrincipalID: principalID, Period: p}

	err := s.db.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_daily WHERE principal_id = ? AND day = ?`,
		principalID, p.Day).Scan(&u.DailySpent, &u.DailyCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get daily usage: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_monthly WHERE principal_id = ? AND month = ?`,
		principalID, p.Month).Scan(&u.MonthlySpent, &u.MonthlyCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get monthly usage: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ConsumeWithin(ctx context.Context, principalID string, p Period, amount, dailyLimit, monthlyLimit int64) (*Usage, error) {
	s.consumeMu.Lock()
	defer s.consumeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_daily (principal_id, day) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		principalID, p.Day); err != nil {
		return nil, fmt.Errorf("init daily counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_monthly (principal_id, month) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		principalID, p.Month); err != nil {
		return nil, fmt.Errorf("init monthly counter: %w", err)
	}

	u := &Usage{PrincipalID: principalID, Period: p}
	if err := tx.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_daily WHERE principal_id = ? AND day = ?`,
		principalID, p.Day).Scan(&u.DailySpent, &u.DailyCount); err != nil {
		return nil, fmt.Errorf("read daily counter: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_monthly WHERE principal_id = ? AND month = ?`,
		principalID, p.Month).Scan(&u.MonthlySpent, &u.MonthlyCount); err != nil {
		return nil, fmt.Errorf("read monthly counter: %w", err)
	}

	if u.DailySpent+amount > dailyLimit {
		return u, ErrDailyLimitExceeded
	}
	if u.MonthlySpent+amount > monthlyLimit {
		return u, ErrMonthlyLimitExceeded
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_daily SET spent = spent + ?, txn_count = txn_count + 1
		 WHERE principal_id = ? AND day = ?`,
		amount, principalID, p.Day); err != nil {
		return nil, fmt.Errorf("update daily counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_monthly SET spent = spent + ?, txn_count = txn_count + 1
		 WHERE principal_id = ? AND month = ?`,
		amount, principalID, p.Month); err != nil {
		return nil, fmt.Errorf("update monthly counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume tx: %w", err)
	}

	u.DailySpent += amount
	u.DailyCount++
	u.MonthlySpent += amount
	u.MonthlyCount++
	return u, nil
}

func (s *SQLiteStore) MerchantRules(ctx context.Context, principalID string) ([]*MerchantRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, pattern, action, description, is_active, created_at
		FROM merchant_rules WHERE principal_id = ? ORDER BY created_at`, principalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*MerchantRule
	for rows.Next() {
		var r MerchantRule
		if err := rows.Scan(&r.ID, &r.PrincipalID, &r.Pattern, &r.Action,
			&r.Description, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddMerchantRule(ctx context.Context, r *MerchantRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_rules (id, principal_id, pattern, action, description, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PrincipalID, r.Pattern, r.Action, r.Description, r.IsActive, createdAt(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert merchant rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMerchantRule(ctx context.Context, principalID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM merchant_rules WHERE principal_id = ? AND id = ?`, principalID, id)
	if err != nil {
		return fmt.Errorf("delete merchant rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *SQLiteStore) CategoryRules(ctx context.Context, principalID string) ([]*CategoryRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, category, action, is_active, created_at
		FROM category_rules WHERE principal_id = ? ORDER BY created_at`, principalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*CategoryRule
	for rows.Next() {
		var r CategoryRule
		if err := rows.Scan(&r.ID, &r.PrincipalID, &r.Category, &r.Action,
			&r.IsActive, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddCategoryRule(ctx context.Context, r *CategoryRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO category_rules (id, principal_id, category, action, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.PrincipalID, r.Category, r.Action, r.IsActive, createdAt(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert category rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCategoryRule(ctx context.Context, principalID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM category_rules WHERE principal_id = ? AND id = ?`, principalID, id)
	if err != nil {
		return fmt.Errorf("delete category rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}
