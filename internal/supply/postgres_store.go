package supply

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
// The supply ledger is a single row (id = 1); the conditional UPDATE in
// TryReserve is the compare-and-swap that makes concurrent reservations safe.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed supply store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Provision(ctx context.Context, total int64, unitPrice string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO supply_ledger (id, total_supply, remaining_supply, unit_price, updated_at)
		VALUES (1, $1, $1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (id) DO NOTHING
	`, total, unitPrice)
	if err != nil {
		return fmt.Errorf("failed to provision supply ledger: %w", err)
	}
	return nil
}

func (p *PostgresStore) TryReserve(ctx context.Context, units int64) (int64, error) {
	var remaining int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE supply_ledger SET
			remaining_supply = remaining_supply - $1,
			updated_at       = NOW()
		WHERE id = 1 AND remaining_supply >= $1
		RETURNING remaining_supply
	`, units).Scan(&remaining)

	if err == sql.ErrNoRows {
		// Either the row doesn't exist or the condition failed; tell them apart.
		var exists bool
		if checkErr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM supply_ledger WHERE id = 1)`).Scan(&exists); checkErr != nil {
			return 0, checkErr
		}
		if !exists {
			return 0, ErrNotProvisioned
		}
		return 0, ErrInsufficientSupply
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve supply: %w", err)
	}
	return remaining, nil
}

func (p *PostgresStore) Restore(ctx context.Context, units int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE supply_ledger SET
			remaining_supply = LEAST(remaining_supply + $1, total_supply),
			updated_at       = NOW()
		WHERE id = 1
	`, units)
	if err != nil {
		return fmt.Errorf("failed to restore supply: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotProvisioned
	}
	return nil
}

func (p *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{}
	err := p.db.QueryRowContext(ctx, `
		SELECT total_supply, remaining_supply, unit_price
		FROM supply_ledger WHERE id = 1
	`).Scan(&s.TotalSupply, &s.RemainingSupply, &s.UnitPrice)
	if err == sql.ErrNoRows {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
