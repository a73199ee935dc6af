// README: Commission store backed by PostgreSQL; balance writes are compare-and-set.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"coursier/internal/types"
)

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO commission_accounts (
			driver_id, balance, minimum_balance, commission_rate, is_suspended, updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (driver_id) DO NOTHING`,
		string(a.DriverID), a.Balance, a.MinimumBalance, a.CommissionRate.String(), a.IsSuspended, a.UpdatedAt,
	)
	return err
}

func (s *Store) GetAccount(ctx context.Context, driverID types.ID) (*Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT driver_id, balance, minimum_balance, commission_rate::text, is_suspended, updated_at
		FROM commission_accounts
		WHERE driver_id = $1`, string(driverID),
	)
	var a Account
	var rate string
	err := row.Scan(&a.DriverID, &a.Balance, &a.MinimumBalance, &rate, &a.IsSuspended, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("parse commission rate %q: %w", rate, err)
	}
	return &a, nil
}

const txColumns = `id, driver_id, type, amount, balance_before, balance_after,
	order_id, method, status, created_at, completed_at`

func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM commission_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (s *Store) FindOrderTransaction(ctx context.Context, orderID types.ID, t TxType) (*Transaction, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM commission_transactions
		WHERE order_id = $1 AND type = $2
		ORDER BY (status = 'completed') DESC, created_at DESC
		LIMIT 1`, string(orderID), string(t),
	)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, driverID types.ID, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+`
		FROM commission_transactions
		WHERE driver_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(driverID), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *Store) InsertTransaction(ctx context.Context, tx *Transaction) error {
	return insertTransaction(ctx, s.db, tx)
}

func (s *Store) Apply(ctx context.Context, a *Account, tx *Transaction, expectedBalance int64) error {
	return pgx.BeginFunc(ctx, s.db, func(dbtx pgx.Tx) error {
		if err := updateBalance(ctx, dbtx, a, expectedBalance); err != nil {
			return err
		}
		return insertTransaction(ctx, dbtx, tx)
	})
}

func (s *Store) Settle(ctx context.Context, a *Account, tx *Transaction, expectedBalance int64) error {
	return pgx.BeginFunc(ctx, s.db, func(dbtx pgx.Tx) error {
		if err := updateBalance(ctx, dbtx, a, expectedBalance); err != nil {
			return err
		}
		tag, err := dbtx.Exec(ctx, `
			UPDATE commission_transactions
			SET status = 'completed', balance_before = $1, balance_after = $2, completed_at = $3
			WHERE id = $4 AND status = 'pending'`,
			tx.BalanceBefore, tx.BalanceAfter, tx.CompletedAt, tx.ID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrInvalidTransactionState
		}
		return nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE commission_transactions
		SET status = 'failed', completed_at = $1
		WHERE id = $2 AND status = 'pending'`, at, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidTransactionState
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateBalance(ctx context.Context, db execer, a *Account, expectedBalance int64) error {
	tag, err := db.Exec(ctx, `
		UPDATE commission_accounts
		SET balance = $1, is_suspended = $2, updated_at = $3
		WHERE driver_id = $4 AND balance = $5`,
		a.Balance, a.IsSuspended, a.UpdatedAt, string(a.DriverID), expectedBalance,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrBalanceConflict
	}
	return nil
}

func insertTransaction(ctx context.Context, db execer, tx *Transaction) error {
	var orderID *string
	if tx.OrderID != nil {
		v := string(*tx.OrderID)
		orderID = &v
	}
	_, err := db.Exec(ctx, `
		INSERT INTO commission_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, string(tx.DriverID), string(tx.Type), tx.Amount, tx.BalanceBefore, tx.BalanceAfter,
		orderID, tx.Method, string(tx.Status), tx.CreatedAt, tx.CompletedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if tx.Type == TxRefund {
			return ErrAlreadyRefunded
		}
		return ErrAlreadyDeducted
	}
	return err
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var tx Transaction
	var orderID *string
	var method *string
	err := row.Scan(
		&tx.ID, &tx.DriverID, &tx.Type, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
		&orderID, &method, &tx.Status, &tx.CreatedAt, &tx.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if orderID != nil {
		id := types.ID(*orderID)
		tx.OrderID = &id
	}
	if method != nil {
		tx.Method = *method
	}
	return &tx, nil
}
