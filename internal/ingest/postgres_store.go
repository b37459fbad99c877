package ingest

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. The primary key on
// processed_payments(reference) plus ON CONFLICT DO NOTHING makes the
// reservation atomic across concurrent webhook and verify calls.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed processed-payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Reserve(ctx context.Context, reference, source string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_payments (reference, source, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (reference) DO NOTHING
	`, reference, source)
	if err != nil {
		return false, fmt.Errorf("failed to reserve payment reference: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (p *PostgresStore) Release(ctx context.Context, reference string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM processed_payments WHERE reference = $1`, reference)
	if err != nil {
		return fmt.Errorf("failed to release payment reference: %w", err)
	}
	return nil
}
