package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the consents table. In production this runs under a
// migration tool; the method exists for tests and single-binary deploys.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS consents (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '',
		intent_hash TEXT NOT NULL DEFAULT '',
		max_amount_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		allowed_merchants JSONB,
		allowed_categories JSONB,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_consents_principal ON consents(principal_id);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, c *Consent) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)`,
		c.ID, c.PrincipalID, c.AgentID, c.Intent, c.IntentHash,
		c.Constraints.MaxAmount.Minor, c.Constraints.MaxAmount.Currency,
		string(merchants), string(categories), c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Consent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, principal_id, agent_id, intent, intent_hash,
			max_amount_minor, currency, allowed_merchants, allowed_categories,
			issued_at, expires_at, revoked_at
		FROM consents WHERE id = $1`, id)
	return scanConsent(row)
}

func (s *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consents SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("revoke consent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Consent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, agent_id, intent, intent_hash,
			max_amount_minor, currency, allowed_merchants, allowed_categories,
			issued_at, expires_at, revoked_at
		FROM consents ORDER BY issued_at DESC LIMIT $1`, limit)
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
