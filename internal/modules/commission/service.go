// README: Commission ledger; gates order acceptance and posts idempotent per-order deductions.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coursier/internal/logging"
	"coursier/internal/types"
)

var (
	ErrAccountNotFound         = errors.New("commission account not found")
	ErrTransactionNotFound     = errors.New("commission transaction not found")
	ErrAlreadyDeducted         = errors.New("order already deducted")
	ErrAlreadyRefunded         = errors.New("order already refunded")
	ErrBelowMinimum            = errors.New("recharge below minimum amount")
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrBalanceConflict         = errors.New("balance changed concurrently")
	ErrBadRequest              = errors.New("bad request")
)

const (
	maxApplyAttempts    = 3
	defaultListLimit    = 20
	maxListLimit        = 100
	defaultRechargeMode = "mobile_money"
)

// Repository persists accounts and transactions. Apply and Settle must
// update the balance only if it still equals expectedBalance, returning
// ErrBalanceConflict otherwise.
type Repository interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, driverID types.ID) (*Account, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	FindOrderTransaction(ctx context.Context, orderID types.ID, t TxType) (*Transaction, error)
	ListTransactions(ctx context.Context, driverID types.ID, limit int) ([]Transaction, error)
	InsertTransaction(ctx context.Context, tx *Transaction) error
	// Apply inserts a completed transaction and writes the new balance.
	Apply(ctx context.Context, a *Account, tx *Transaction, expectedBalance int64) error
	// Settle moves a pending transaction to completed and writes the new balance.
	Settle(ctx context.Context, a *Account, tx *Transaction, expectedBalance int64) error
	MarkFailed(ctx context.Context, id string, at time.Time) error
}

// BalanceCache is a read cache of account views; safe to lose or refetch.
type BalanceCache interface {
	Get(ctx context.Context, driverID types.ID) (*Account, bool)
	Set(ctx context.Context, a *Account)
	Invalidate(ctx context.Context, driverID types.ID)
}

type Service struct {
	store       Repository
	cache       BalanceCache
	minimum     int64
	defaultRate decimal.Decimal
	log         *slog.Logger
	now         func() time.Time
	newID       func() string
}

type Options struct {
	MinimumBalance int64
	DefaultRate    decimal.Decimal
	Cache          BalanceCache
	Logger         *slog.Logger
}

func NewService(store Repository, opts Options) *Service {
	if opts.MinimumBalance <= 0 {
		opts.MinimumBalance = DefaultMinimumBalance
	}
	if opts.DefaultRate.IsZero() {
		opts.DefaultRate = decimal.NewFromFloat(0.15)
	}
	return &Service{
		store:       store,
		cache:       opts.Cache,
		minimum:     opts.MinimumBalance,
		defaultRate: opts.DefaultRate,
		log:         logging.OrNop(opts.Logger),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// OpenAccount creates a partner account with a zero balance, so it starts
// suspended until the first recharge. Existing accounts are left untouched.
func (s *Service) OpenAccount(ctx context.Context, driverID types.ID, rate decimal.Decimal) (*Account, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	if rate.IsZero() {
		rate = s.defaultRate
	}
	if rate.LessThan(decimal.NewFromFloat(0.10)) || rate.GreaterThan(decimal.NewFromFloat(0.20)) {
		return nil, fmt.Errorf("%w: commission rate %s outside 10-20%%", ErrBadRequest, rate)
	}
	a := &Account{DriverID: driverID, MinimumBalance: s.minimum, CommissionRate: rate}
	a.setBalance(0, s.now())
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, driverID)
}

// CanAcceptOrder is false iff the driver's account is suspended. Drivers
// without an account are not partners and are never gated.
func (s *Service) CanAcceptOrder(ctx context.Context, driverID types.ID) (bool, error) {
	a, err := s.Balance(ctx, driverID)
	if errors.Is(err, ErrAccountNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !a.IsSuspended, nil
}

// Balance reads through the cache.
func (s *Service) Balance(ctx context.Context, driverID types.ID) (*Account, error) {
	if s.cache != nil {
		if a, ok := s.cache.Get(ctx, driverID); ok {
			return a, nil
		}
	}
	a, err := s.store.GetAccount(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, a)
	}
	return a, nil
}

func (s *Service) Transactions(ctx context.Context, driverID types.ID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListTransactions(ctx, driverID, limit)
}

// PostDeduction charges round(price*rate) for a completed order. The order id
// is the idempotency key: a second deduction fails with ErrAlreadyDeducted.
func (s *Service) PostDeduction(ctx context.Context, cmd DeductionCommand) (*Transaction, error) {
	if cmd.DriverID == "" || cmd.OrderID == "" || cmd.OrderPrice < 0 {
		return nil, ErrBadRequest
	}
	existing, err := s.store.FindOrderTransaction(ctx, cmd.OrderID, TxDeduction)
	switch {
	case err == nil && existing.Status == TxCompleted:
		return nil, ErrAlreadyDeducted
	case err != nil && !errors.Is(err, ErrTransactionNotFound):
		return nil, err
	}

	tx, err := s.apply(ctx, cmd.DriverID, func(a *Account) (*Transaction, error) {
		orderID := cmd.OrderID
		return &Transaction{
			Type:    TxDeduction,
			Amount:  a.Commission(cmd.OrderPrice),
			OrderID: &orderID,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("commission deducted",
		"driver_id", cmd.DriverID, "order_id", cmd.OrderID,
		"amount", tx.Amount, "balance_after", tx.BalanceAfter)
	if tx.BalanceAfter <= 0 {
		s.log.Warn("driver suspended", "driver_id", cmd.DriverID, "balance", tx.BalanceAfter)
	}
	return tx, nil
}

// PostRefund credits back the deduction of orderID once.
func (s *Service) PostRefund(ctx context.Context, cmd RefundCommand) (*Transaction, error) {
	if cmd.DriverID == "" || cmd.OrderID == "" {
		return nil, ErrBadRequest
	}
	deduction, err := s.store.FindOrderTransaction(ctx, cmd.OrderID, TxDeduction)
	if err != nil {
		return nil, err
	}
	if deduction.Status != TxCompleted || deduction.DriverID != cmd.DriverID {
		return nil, ErrInvalidTransactionState
	}
	refund, err := s.store.FindOrderTransaction(ctx, cmd.OrderID, TxRefund)
	switch {
	case err == nil && refund.Status == TxCompleted:
		return nil, ErrAlreadyRefunded
	case err != nil && !errors.Is(err, ErrTransactionNotFound):
		return nil, err
	}

	return s.apply(ctx, cmd.DriverID, func(*Account) (*Transaction, error) {
		orderID := cmd.OrderID
		return &Transaction{Type: TxRefund, Amount: deduction.Amount, OrderID: &orderID}, nil
	})
}

// PostRecharge records a pending recharge awaiting payment confirmation.
// The balance only moves in ConfirmRecharge.
func (s *Service) PostRecharge(ctx context.Context, cmd RechargeCommand) (*Transaction, error) {
	if cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	a, err := s.store.GetAccount(ctx, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	minimum := a.MinimumBalance
	if minimum <= 0 {
		minimum = s.minimum
	}
	if cmd.Amount < minimum {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, cmd.Amount, minimum)
	}
	method := cmd.Method
	if method == "" {
		method = defaultRechargeMode
	}
	tx := &Transaction{
		ID:            s.newID(),
		DriverID:      cmd.DriverID,
		Type:          TxRecharge,
		Amount:        cmd.Amount,
		BalanceBefore: a.Balance,
		BalanceAfter:  a.Balance + cmd.Amount,
		Method:        method,
		Status:        TxPending,
		CreatedAt:     s.now(),
	}
	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// ConfirmRecharge completes a pending recharge. Confirming twice returns the
// completed transaction without moving the balance again.
func (s *Service) ConfirmRecharge(ctx context.Context, txID string) (*Transaction, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		tx, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		if tx.Type != TxRecharge {
			return nil, ErrInvalidTransactionState
		}
		switch tx.Status {
		case TxCompleted:
			return tx, nil
		case TxFailed:
			return nil, ErrInvalidTransactionState
		}

		a, err := s.store.GetAccount(ctx, tx.DriverID)
		if err != nil {
			return nil, err
		}
		now := s.now()
		before := a.Balance
		a.setBalance(before+tx.Amount, now)
		tx.BalanceBefore = before
		tx.BalanceAfter = a.Balance
		tx.Status = TxCompleted
		tx.CompletedAt = &now

		err = s.store.Settle(ctx, a, tx, before)
		if errors.Is(err, ErrBalanceConflict) || errors.Is(err, ErrInvalidTransactionState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.invalidate(ctx, tx.DriverID)
		s.log.Info("recharge confirmed", "driver_id", tx.DriverID, "tx_id", tx.ID, "balance_after", tx.BalanceAfter)
		return tx, nil
	}
	return nil, ErrBalanceConflict
}

func (s *Service) FailRecharge(ctx context.Context, txID string) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Type != TxRecharge || tx.Status == TxCompleted {
		return nil, ErrInvalidTransactionState
	}
	if tx.Status == TxFailed {
		return tx, nil
	}
	if err := s.store.MarkFailed(ctx, txID, s.now()); err != nil {
		return nil, err
	}
	tx.Status = TxFailed
	return tx, nil
}

// apply builds a completed transaction against a fresh account read and
// retries when the balance moved underneath.
func (s *Service) apply(ctx context.Context, driverID types.ID, build func(*Account) (*Transaction, error)) (*Transaction, error) {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		a, err := s.store.GetAccount(ctx, driverID)
		if err != nil {
			return nil, err
		}
		tx, err := build(a)
		if err != nil {
			return nil, err
		}

		now := s.now()
		before := a.Balance
		after := before + tx.Amount
		if tx.Type == TxDeduction {
			after = before - tx.Amount
		}
		a.setBalance(after, now)

		tx.ID = s.newID()
		tx.DriverID = driverID
		tx.BalanceBefore = before
		tx.BalanceAfter = after
		tx.Status = TxCompleted
		tx.CreatedAt = now
		tx.CompletedAt = &now

		err = s.store.Apply(ctx, a, tx, before)
		if errors.Is(err, ErrBalanceConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.invalidate(ctx, driverID)
		return tx, nil
	}
	return nil, ErrBalanceConflict
}

func (s *Service) invalidate(ctx context.Context, driverID types.ID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, driverID)
	}
}
