package limits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. ConsumeWithin takes
// row-level locks (SELECT ... FOR UPDATE) on the period counters, which
// serializes concurrent requests per principal while leaving other
// principals unblocked.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the limits tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS spending_limits (
		principal_id TEXT PRIMARY KEY,
		daily_limit BIGINT NOT NULL,
		monthly_limit BIGINT NOT NULL,
		per_transaction_limit BIGINT NOT NULL,
		require_approval_above BIGINT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS usage_daily (
		principal_id TEXT NOT NULL,
		day TEXT NOT NULL,
		spent BIGINT NOT NULL DEFAULT 0,
		txn_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (principal_id, day)
	);
	CREATE TABLE IF NOT EXISTS usage_monthly (
		principal_id TEXT NOT NULL,
		month TEXT NOT NULL,
		spent BIGINT NOT NULL DEFAULT 0,
		txn_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (principal_id, month)
	);
	CREATE TABLE IF NOT EXISTS merchant_rules (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		pattern TEXT NOT NULL,
		action TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS category_rules (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		category TEXT NOT NULL,
		action TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_merchant_rules_principal ON merchant_rules(principal_id);
	CREATE INDEX IF NOT EXISTS idx_category_rules_principal ON category_rules(principal_id);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Limits(ctx context.Context, principalID string) (*SpendingLimits, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT principal_id, daily_limit, monthly_limit, per_transaction_limit,
			require_approval_above, is_active, updated_at
		FROM spending_limits WHERE principal_id = $1`, principalID)

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

func (s *PostgresStore) SetLimits(ctx context.Context, l *SpendingLimits) error {
	var approval sql.NullInt64
	if l.RequireApprovalAbove != nil {
		approval = sql.NullInt64{Int64: *l.RequireApprovalAbove, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spending_limits (principal_id, daily_limit, monthly_limit,
			per_transaction_limit, require_approval_above, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (principal_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			per_transaction_limit = EXCLUDED.per_transaction_limit,
			require_approval_above = EXCLUDED.require_approval_above,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		l.PrincipalID, l.DailyLimit, l.MonthlyLimit, l.PerTransactionLimit, approval, l.IsActive)
	if err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	return nil
}

func (s *PostgresStore) Usage(ctx context.Context, principalID string, p Period) (*Usage, error) {
	u := &Usage{PrincipalID: principalID, Period: p}

	err := s.db.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_daily WHERE principal_id = $1 AND day = $2`,
		principalID, p.Day).Scan(&u.DailySpent, &u.DailyCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get daily usage: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_monthly WHERE principal_id = $1 AND month = $2`,
		principalID, p.Month).Scan(&u.MonthlySpent, &u.MonthlyCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get monthly usage: %w", err)
	}
	return u, nil
}

// ConsumeWithin runs check and increment inside one transaction with row
// locks held on both period counters. The row lock is what prevents two
// concurrent requests that each fit under the limit, but whose sum does
// not, from both committing.
func (s *PostgresStore) ConsumeWithin(ctx context.Context, principalID string, p Period, amount, dailyLimit, monthlyLimit int64) (*Usage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the period rows exist before locking them.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_daily (principal_id, day) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		principalID, p.Day); err != nil {
		return nil, asConflict(fmt.Errorf("init daily counter: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_monthly (principal_id, month) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		principalID, p.Month); err != nil {
		return nil, asConflict(fmt.Errorf("init monthly counter: %w", err))
	}

	u := &Usage{PrincipalID: principalID, Period: p}
	if err := tx.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_daily WHERE principal_id = $1 AND day = $2 FOR UPDATE`,
		principalID, p.Day).Scan(&u.DailySpent, &u.DailyCount); err != nil {
		return nil, asConflict(fmt.Errorf("lock daily counter: %w", err))
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT spent, txn_count FROM usage_monthly WHERE principal_id = $1 AND month = $2 FOR UPDATE`,
		principalID, p.Month).Scan(&u.MonthlySpent, &u.MonthlyCount); err != nil {
		return nil, asConflict(fmt.Errorf("lock monthly counter: %w", err))
	}

	if u.DailySpent+amount > dailyLimit {
		return u, ErrDailyLimitExceeded
	}
	if u.MonthlySpent+amount > monthlyLimit {
		return u, ErrMonthlyLimitExceeded
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_daily SET spent = spent + $1, txn_count = txn_count + 1
		 WHERE principal_id = $2 AND day = $3`,
		amount, principalID, p.Day); err != nil {
		return nil, asConflict(fmt.Errorf("update daily counter: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_monthly SET spent = spent + $1, txn_count = txn_count + 1
		 WHERE principal_id = $2 AND month = $3`,
		amount, principalID, p.Month); err != nil {
		return nil, asConflict(fmt.Errorf("update monthly counter: %w", err))
	}

	if err := tx.Commit(); err != nil {
		// An unconfirmed commit must never look like an ALLOW.
		return nil, asConflict(fmt.Errorf("commit consume tx: %w", err))
	}

	u.DailySpent += amount
	u.DailyCount++
	u.MonthlySpent += amount
	u.MonthlyCount++
	return u, nil
}

// asConflict maps Postgres serialization and deadlock failures to
// ErrConflict so the evaluator retries instead of failing the request.
func asConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func (s *PostgresStore) MerchantRules(ctx context.Context, principalID string) ([]*MerchantRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, pattern, action, description, is_active, created_at
		FROM merchant_rules WHERE principal_id = $1 ORDER BY created_at`, principalID)
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

func (s *PostgresStore) AddMerchantRule(ctx context.Context, r *MerchantRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_rules (id, principal_id, pattern, action, description, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.PrincipalID, r.Pattern, r.Action, r.Description, r.IsActive, createdAt(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert merchant rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMerchantRule(ctx context.Context, principalID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM merchant_rules WHERE principal_id = $1 AND id = $2`, principalID, id)
	if err != nil {
		return fmt.Errorf("delete merchant rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *PostgresStore) CategoryRules(ctx context.Context, principalID string) ([]*CategoryRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, category, action, is_active, created_at
		FROM category_rules WHERE principal_id = $1 ORDER BY created_at`, principalID)
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

func (s *PostgresStore) AddCategoryRule(ctx context.Context, r *CategoryRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO category_rules (id, principal_id, category, action, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.PrincipalID, r.Category, r.Action, r.IsActive, createdAt(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert category rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCategoryRule(ctx context.Context, principalID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM category_rules WHERE principal_id = $1 AND id = $2`, principalID, id)
	if err != nil {
		return fmt.Errorf("delete category rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
