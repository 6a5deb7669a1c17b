package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentauth/core/pkg/money"
)

// SQLiteStore implements Store on embedded SQLite.
type SQLiteStore struct {
	db *sql.DB
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
	CREATE TABLE IF NOT EXISTS consents (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '',
		intent_hash TEXT NOT NULL DEFAULT '',
		max_amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		allowed_merchants JSON,
		allowed_categories JSON,
		issued_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_consents_principal ON consents(principal_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, c *Consent) error {
	merchants, err := json.Marshal(c.Constraints.AllowedMerchants)
	if err != nil {
		return fmt.Errorf("marshal merchants: %w", err)
	}
	categories, err := json.Marshal(c.Constraints.AllowedCategories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consents (id, principal_id, agent_id, intent, intent_hash,
			max_amount_minor, currency, allowed_merchants, allowed_categories,
			issued_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		c.ID, c.PrincipalID, c.AgentID, c.Intent, c.IntentHash,
		c.Constraints.MaxAmount.Minor, c.Constraints.MaxAmount.Currency,
		string(merchants), string(categories), c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Consent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, principal_id, agent_id, intent, intent_hash,
			max_amount_minor, currency, allowed_merchants, allowed_categories,
			issued_at, expires_at, revoked_at
		FROM consents WHERE id = ?`, id)
	return scanConsent(row)
}

func (s *SQLiteStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consents SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("revoke consent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either absent or already revoked; distinguish for the caller.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Consent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, agent_id, intent, intent_hash,
			max_amount_minor, currency, allowed_merchants, allowed_categories,
			issued_at, expires_at, revoked_at
		FROM consents ORDER BY issued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsent(row rowScanner) (*Consent, error) {
	var (
		c          Consent
		minor      int64
		currency   string
		merchants  sql.NullString
		categories sql.NullString
		revokedAt  sql.NullTime
	)
	err := row.Scan(&c.ID, &c.PrincipalID, &c.AgentID, &c.Intent, &c.IntentHash,
		&minor, &currency, &merchants, &categories,
		&c.IssuedAt, &c.ExpiresAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan consent: %w", err)
	}

	c.Constraints.MaxAmount = money.Amount{Minor: minor, Currency: currency}
	if merchants.Valid && merchants.String != "" && merchants.String != "null" {
		if err := json.Unmarshal([]byte(merchants.String), &c.Constraints.AllowedMerchants); err != nil {
			return nil, fmt.Errorf("decode merchants: %w", err)
		}
	}
	if categories.Valid && categories.String != "" && categories.String != "null" {
		if err := json.Unmarshal([]byte(categories.String), &c.Constraints.AllowedCategories); err != nil {
			return nil, fmt.Errorf("decode categories: %w", err)
		}
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		c.RevokedAt = &t
	}
	return &c, nil
}
