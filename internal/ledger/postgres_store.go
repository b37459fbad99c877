package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transaction_entries (
			id, user_id, type, amount, currency, status,
			counterparty_id, payment_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, string(e.Type), e.Amount, e.Currency, string(e.Status),
		nullString(e.CounterpartyID), nullString(e.PaymentID), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status EntryStatus) error {
	// The status list in the WHERE clause keeps terminal entries immutable.
	result, err := p.db.ExecContext(ctx, `
		UPDATE transaction_entries SET
			status     = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update entry status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if checkErr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transaction_entries WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
			return checkErr
		}
		if !exists {
			return ErrEntryNotFound
		}
		return ErrEntryFinalized
	}
	return nil
}

const entryColumns = `id, user_id, type, amount, currency, status,
		counterparty_id, payment_id, created_at, updated_at`

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transaction_entries
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (p *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transaction_entries
		WHERE payment_id = $1
		ORDER BY created_at ASC, id ASC
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var entryType, status string
		var counterparty, payment sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &entryType, &e.Amount, &e.Currency, &status,
			&counterparty, &payment, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(entryType)
		e.Status = EntryStatus(status)
		e.CounterpartyID = counterparty.String
		e.PaymentID = payment.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
