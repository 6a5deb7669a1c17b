package verify

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresProofStore persists proofs in PostgreSQL.
type PostgresProofStore struct {
	db *sql.DB
}

func NewPostgresProofStore(db *sql.DB) *PostgresProofStore {
	return &PostgresProofStore{db: db}
}

func (s *PostgresProofStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS verification_proofs (
		authorization_code TEXT PRIMARY KEY,
		consent_id TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		key_id TEXT NOT NULL,
		signature TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresProofStore) Get(ctx context.Context, authorizationCode string) (*Proof, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT authorization_code, consent_id, principal_id, amount_minor,
			currency, merchant_id, issued_at, key_id, signature
		FROM verification_proofs WHERE authorization_code = $1`, authorizationCode)
	return scanProof(row)
}

func (s *PostgresProofStore) Put(ctx context.Context, p *Proof) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_proofs (authorization_code, consent_id,
			principal_id, amount_minor, currency, merchant_id, issued_at,
			key_id, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (authorization_code) DO NOTHING`,
		p.AuthorizationCode, p.ConsentID, p.PrincipalID, p.Amount.Minor,
		p.Amount.Currency, p.MerchantID, p.IssuedAt, p.KeyID, p.Signature)
	if err != nil {
		return fmt.Errorf("insert proof: %w", err)
	}
	return nil
}
