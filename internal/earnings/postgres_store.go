package earnings

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed summary store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, s *Summary) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO earnings_summaries (
			user_id, total_earned, total_withdrawn, available_balance,
			pending_earnings, recomputed_at
		) VALUES ($1, $2::NUMERIC(20,6), $3::NUMERIC(20,6), $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6)
		ON CONFLICT (user_id) DO UPDATE SET
			total_earned      = EXCLUDED.total_earned,
			total_withdrawn   = EXCLUDED.total_withdrawn,
			available_balance = EXCLUDED.available_balance,
			pending_earnings  = EXCLUDED.pending_earnings,
			recomputed_at     = EXCLUDED.recomputed_at
	`, s.UserID, s.TotalEarned, s.TotalWithdrawn, s.AvailableBalance, s.PendingEarnings, s.RecomputedAt)
	if err != nil {
		return fmt.Errorf("failed to save earnings summary: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Summary, error) {
	s := &Summary{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, total_earned, total_withdrawn, available_balance,
		       pending_earnings, recomputed_at
		FROM earnings_summaries WHERE user_id = $1
	`, userID).Scan(&s.UserID, &s.TotalEarned, &s.TotalWithdrawn,
		&s.AvailableBalance, &s.PendingEarnings, &s.RecomputedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSummaryNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
