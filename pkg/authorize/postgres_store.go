package authorize

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements the authorization ledger using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the authorizations table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS authorizations (
		id TEXT PRIMARY KEY,
		consent_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		authorization_code TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_authorizations_code
		ON authorizations(authorization_code) WHERE authorization_code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_authorizations_principal
		ON authorizations(principal_id, created_at);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, a *Authorization) error {
	var code sql.NullString
	if a.AuthorizationCode != "" {
		code = sql.NullString{String: a.AuthorizationCode, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorizations (id, consent_id, principal_id, amount_minor,
			currency, merchant_id, category, action, decision, reason, message,
			authorization_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.ConsentID, a.PrincipalID, a.Amount.Minor, a.Amount.Currency,
		a.MerchantID, a.Category, a.Action, a.Decision, a.Reason, a.Message, code, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert authorization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByCode(ctx context.Context, code string) (*Authorization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, consent_id, principal_id, amount_minor, currency, merchant_id,
			category, action, decision, reason, message, authorization_code, created_at
		FROM authorizations WHERE authorization_code = $1`, code)
	return scanAuthorization(row)
}

func (s *PostgresStore) List(ctx context.Context, principalID string, limit int) ([]*Authorization, error) {
	query := `
		SELECT id, consent_id, principal_id, amount_minor, currency, merchant_id,
			category, action, decision, reason, message, authorization_code, created_at
		FROM authorizations`
	args := []any{}
	if principalID != "" {
		query += ` WHERE principal_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, principalID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
