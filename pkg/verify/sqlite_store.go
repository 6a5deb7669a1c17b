package verify

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/agentauth/core/pkg/money"
)

// SQLiteProofStore persists proofs on embedded SQLite.
type SQLiteProofStore struct {
	db *sql.DB
}

func NewSQLiteProofStore(db *sql.DB) (*SQLiteProofStore, error) {
	s := &SQLiteProofStore{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS verification_proofs (
		authorization_code TEXT PRIMARY KEY,
		consent_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		key_id TEXT NOT NULL,
		signature TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteProofStore) Get(ctx context.Context, authorizationCode string) (*Proof, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT authorization_code, consent_id, principal_id, amount_minor,
			currency, merchant_id, issued_at, key_id, signature
		FROM verification_proofs WHERE authorization_code = ?`, authorizationCode)
	return scanProof(row)
}

func (s *SQLiteProofStore) Put(ctx context.Context, p *Proof) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO verification_proofs (authorization_code,
			consent_id, principal_id, amount_minor, currency, merchant_id,
			issued_at, key_id, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AuthorizationCode, p.ConsentID, p.PrincipalID, p.Amount.Minor,
		p.Amount.Currency, p.MerchantID, p.IssuedAt, p.KeyID, p.Signature)
	if err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProof(row rowScanner) (*Proof, error) {
	var (
		p        Proof
		minor    int64
		currency string
	)
	err := row.Scan(&p.AuthorizationCode, &p.ConsentID, &p.PrincipalID,
		&minor, &currency, &p.MerchantID, &p.IssuedAt, &p.KeyID, &p.Signature)
	if err == sql.ErrNoRows {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proof: %w", err)
	}
	p.Amount = money.Amount{Minor: minor, Currency: currency}
	return &p, nil
}
