package authorize

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/agentauth/core/pkg/money"
)

// SQLiteStore implements the authorization ledger on embedded SQLite.
// Records are inserted once and never updated or deleted.
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
	CREATE TABLE IF NOT EXISTS authorizations (
		id TEXT PRIMARY KEY,
		consent_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		authorization_code TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_authorizations_code
		ON authorizations(authorization_code) WHERE authorization_code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_authorizations_principal
		ON authorizations(principal_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, a *Authorization) error {
	var code sql.NullString
	if a.AuthorizationCode != "" {
		code = sql.NullString{String: a.AuthorizationCode, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorizations (id, consent_id, principal_id, amount_minor,
			currency, merchant_id, category, action, decision, reason, message,
			authorization_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConsentID, a.PrincipalID, a.Amount.Minor, a.Amount.Currency,
		a.MerchantID, a.Category, a.Action, a.Decision, a.Reason, a.Message, code, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert authorization: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByCode(ctx context.Context, code string) (*Authorization, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, consent_id, principal_id, amount_minor, currency, merchant_id,
			category, action, decision, reason, message, authorization_code, created_at
		FROM authorizations WHERE authorization_code = ?`, code)
	return scanAuthorization(row)
}

func (s *SQLiteStore) List(ctx context.Context, principalID string, limit int) ([]*Authorization, error) {
	query := `
		SELECT id, consent_id, principal_id, amount_minor, currency, merchant_id,
			category, action, decision, reason, message, authorization_code, created_at
		FROM authorizations`
	args := []any{}
	if principalID != "" {
		query += ` WHERE principal_id = ?`
		args = append(args, principalID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (*Authorization, error) {
	var (
		a        Authorization
		minor    int64
		currency string
		code     sql.NullString
	)
	err := row.Scan(&a.ID, &a.ConsentID, &a.PrincipalID, &minor, &currency,
		&a.MerchantID, &a.Category, &a.Action, &a.Decision, &a.Reason, &a.Message,
		&code, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan authorization: %w", err)
	}
	a.Amount = money.Amount{Minor: minor, Currency: currency}
	if code.Valid {
		a.AuthorizationCode = code.String
	}
	return &a, nil
}
