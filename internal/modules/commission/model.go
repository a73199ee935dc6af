// README: Commission account, transactions and derived balance alerts for partner drivers.
package commission

import (
	"time"

	"github.com/shopspring/decimal"

	"coursier/internal/types"
)

const (
	// DefaultMinimumBalance is the smallest accepted recharge, in FCFA.
	DefaultMinimumBalance int64 = 10000

	lowBalanceThreshold     int64 = 3000
	veryLowBalanceThreshold int64 = 1000
)

type TxType string

const (
	TxRecharge  TxType = "recharge"
	TxDeduction TxType = "deduction"
	TxRefund    TxType = "refund"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

type Alert string

const (
	AlertNone      Alert = "none"
	AlertLow       Alert = "low_balance"
	AlertVeryLow   Alert = "very_low_balance"
	AlertSuspended Alert = "suspended"
)

type Account struct {
	DriverID       types.ID
	Balance        int64
	MinimumBalance int64
	CommissionRate decimal.Decimal
	IsSuspended    bool
	UpdatedAt      time.Time
}

// Alert is derived from the balance and never stored.
func (a Account) Alert() Alert {
	switch {
	case a.Balance <= 0:
		return AlertSuspended
	case a.Balance <= veryLowBalanceThreshold:
		return AlertVeryLow
	case a.Balance <= lowBalanceThreshold:
		return AlertLow
	default:
		return AlertNone
	}
}

// setBalance keeps IsSuspended in step with the balance.
func (a *Account) setBalance(balance int64, now time.Time) {
	a.Balance = balance
	a.IsSuspended = balance <= 0
	a.UpdatedAt = now
}

// Commission returns round(price * rate), half away from zero.
func (a Account) Commission(price int64) int64 {
	return decimal.NewFromInt(price).Mul(a.CommissionRate).Round(0).IntPart()
}

type Transaction struct {
	ID            string
	DriverID      types.ID
	Type          TxType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	OrderID       *types.ID
	Method        string
	Status        TxStatus
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

type DeductionCommand struct {
	DriverID   types.ID
	OrderID    types.ID
	OrderPrice int64
}

type RechargeCommand struct {
	DriverID types.ID
	Amount   int64
	Method   string
}

type RefundCommand struct {
	DriverID types.ID
	OrderID  types.ID
}
