package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
// The unique index on accounts(email) is the arbiter of the creation
// race; a 23505 from Create maps to ErrDuplicateEmail so the service
// can retry against the winner's row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, acct *Account) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, email, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, acct.ID, acct.Email, acct.Balance, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	for _, purchase := range acct.Purchases {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchase_history (account_id, units, reference, currency, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, acct.ID, purchase.Units, purchase.Reference, purchase.Currency, purchase.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert purchase entry: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Credit(ctx context.Context, email string, units int64, reference, currency string) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts SET
			balance    = balance + $2,
			updated_at = NOW()
		WHERE email = $1
		RETURNING id
	`, email, units).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_history (account_id, units, reference, currency, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, units, reference, currency, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to insert purchase entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return p.GetByEmail(ctx, email)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return p.get(ctx, `WHERE email = $1`, email)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	return p.get(ctx, `WHERE id = $1`, id)
}

func (p *PostgresStore) get(ctx context.Context, where string, arg interface{}) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, balance, created_at, updated_at
		FROM accounts `+where, arg).
		Scan(&acct.ID, &acct.Email, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT units, reference, currency, created_at
		FROM purchase_history
		WHERE account_id = $1
		ORDER BY created_at ASC
	`, acct.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var purchase Purchase
		if err := rows.Scan(&purchase.Units, &purchase.Reference, &purchase.Currency, &purchase.CreatedAt); err != nil {
			return nil, err
		}
		acct.Purchases = append(acct.Purchases, purchase)
	}
	return acct, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
