package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Every transition is a
// conditional UPDATE whose WHERE clause encodes the state-machine
// precondition; zero affected rows on an existing record means another
// caller transitioned it first.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `
	id, task_id, buyer_id, seller_id, buyer_address, seller_address,
	amount, currency, settlement_amount, settlement_token,
	conversion_rate, conversion_fee, blockchain_network,
	status, escrow_status, transaction_hash, release_hash,
	completed_by, disputed_by, dispute_reason,
	created_at, updated_at, completed_at, disputed_at`

func (p *PostgresStore) Create(ctx context.Context, rec *PaymentRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_records (
			id, task_id, buyer_id, seller_id, buyer_address, seller_address,
			amount, currency, settlement_amount, settlement_token,
			conversion_rate, conversion_fee, blockchain_network,
			status, escrow_status, transaction_hash,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC(20,6), $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, rec.ID, rec.TaskID, rec.BuyerID, rec.SellerID, rec.BuyerAddress, rec.SellerAddress,
		rec.Amount, rec.Currency, rec.SettlementAmount, rec.SettlementToken,
		rec.ConversionRate, rec.ConversionFee, rec.BlockchainNetwork,
		rec.Status, rec.EscrowStatus, nullString(rec.TransactionHash),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		// The partial unique index on task_id for active records makes
		// double-funding a task a constraint violation.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrTaskAlreadyEscrowed
		}
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (p *PostgresStore) GetByTask(ctx context.Context, taskID string) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`, taskID)
	return scanRecord(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*PaymentRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	defer rows.Close()

	var out []*PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimRelease(ctx context.Context, id string) error {
	return p.transition(ctx, id, `
		UPDATE payment_records SET
			escrow_status = 'pending_release',
			updated_at    = NOW()
		WHERE id = $1 AND status = 'escrowed' AND escrow_status = 'held'
	`)
}

func (p *PostgresStore) RevertRelease(ctx context.Context, id string) error {
	return p.transition(ctx, id, `
		UPDATE payment_records SET
			escrow_status = 'held',
			updated_at    = NOW()
		WHERE id = $1 AND status = 'escrowed' AND escrow_status = 'pending_release'
	`)
}

func (p *PostgresStore) CompleteRelease(ctx context.Context, id, releaseHash, completedBy string, at time.Time) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payment_records SET
			status        = 'completed',
			escrow_status = 'released',
			release_hash  = $2,
			completed_by  = $3,
			completed_at  = $4,
			updated_at    = $4
		WHERE id = $1 AND status = 'escrowed' AND escrow_status = 'pending_release'
		RETURNING `+recordColumns,
		id, releaseHash, completedBy, at)

	rec, err := scanRecord(row)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, p.missingOrConflict(ctx, id)
	}
	return rec, err
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id, raisedBy, reason string, at time.Time) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payment_records SET
			status         = 'disputed',
			disputed_by    = $2,
			dispute_reason = $3,
			disputed_at    = $4,
			updated_at     = $4
		WHERE id = $1
		  AND status IN ('escrowed', 'completed')
		  AND escrow_status <> 'pending_release'
		RETURNING `+recordColumns,
		id, raisedBy, reason, at)

	rec, err := scanRecord(row)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, p.missingOrConflict(ctx, id)
	}
	return rec, err
}

func (p *PostgresStore) transition(ctx context.Context, id, query string) error {
	result, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to transition payment record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return p.missingOrConflict(ctx, id)
	}
	return nil
}

// missingOrConflict tells a nonexistent record apart from a failed
// precondition.
func (p *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPaymentNotFound
	}
	return ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*PaymentRecord, error) {
	var rec PaymentRecord
	var txHash, releaseHash, completedBy, disputedBy, disputeReason sql.NullString
	var completedAt, disputedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.TaskID, &rec.BuyerID, &rec.SellerID, &rec.BuyerAddress, &rec.SellerAddress,
		&rec.Amount, &rec.Currency, &rec.SettlementAmount, &rec.SettlementToken,
		&rec.ConversionRate, &rec.ConversionFee, &rec.BlockchainNetwork,
		&rec.Status, &rec.EscrowStatus, &txHash, &releaseHash,
		&completedBy, &disputedBy, &disputeReason,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt, &disputedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment record: %w", err)
	}

	rec.TransactionHash = txHash.String
	rec.ReleaseHash = releaseHash.String
	rec.CompletedBy = completedBy.String
	rec.DisputedBy = disputedBy.String
	rec.DisputeReason = disputeReason.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if disputedAt.Valid {
		t := disputedAt.Time
		rec.DisputedAt = &t
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
