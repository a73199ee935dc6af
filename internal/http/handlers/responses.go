// README: JSON views of orders and commission records.
package handlers

import (
	"time"

	"coursier/internal/modules/commission"
	"coursier/internal/modules/navigation"
	"coursier/internal/modules/order"
	"coursier/internal/types"
)

type stopResponse struct {
	Address     string       `json:"address"`
	Coordinates *types.Point `json:"coordinates,omitempty"`
}

type orderResponse struct {
	ID             types.ID             `json:"id"`
	UserID         types.ID             `json:"user_id"`
	DriverID       *types.ID            `json:"driver_id,omitempty"`
	Status         order.Status         `json:"status"`
	Pickup         stopResponse         `json:"pickup"`
	Dropoff        stopResponse         `json:"dropoff"`
	DeliveryMethod string               `json:"delivery_method"`
	Price          int64                `json:"price"`
	Currency       string               `json:"currency"`
	DistanceKm     float64              `json:"distance_km"`
	OfferExpiresAt *time.Time           `json:"offer_expires_at,omitempty"`
	CancelReason   *string              `json:"cancellation_reason,omitempty"`
	Guidance       *navigation.Guidance `json:"guidance,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	return orderResponse{
		ID:             o.ID,
		UserID:         o.UserID,
		DriverID:       o.DriverID,
		Status:         o.Status,
		Pickup:         stopResponse{Address: o.Pickup.Address, Coordinates: o.Pickup.Coordinates},
		Dropoff:        stopResponse{Address: o.Dropoff.Address, Coordinates: o.Dropoff.Coordinates},
		DeliveryMethod: string(o.DeliveryMethod),
		Price:          o.Price.Amount,
		Currency:       o.Price.Currency,
		DistanceKm:     o.DistanceKm,
		OfferExpiresAt: o.OfferExpiresAt,
		CancelReason:   o.CancelReason,
	}
}

type transitionResponse struct {
	Order   orderResponse `json:"order"`
	Applied bool          `json:"applied"`
	// LedgerError is set when the completion committed but the commission
	// deduction did not.
	LedgerError string `json:"ledger_error,omitempty"`
}

func toTransitionResponse(res *order.Result) transitionResponse {
	out := transitionResponse{Order: toOrderResponse(res.Order), Applied: res.Applied}
	if res.LedgerErr != nil {
		out.LedgerError = res.LedgerErr.Error()
	}
	return out
}

type balanceResponse struct {
	Balance        int64            `json:"balance"`
	MinimumBalance int64            `json:"minimum_balance"`
	CommissionRate string           `json:"commission_rate"`
	IsSuspended    bool             `json:"is_suspended"`
	Alert          commission.Alert `json:"alert"`
}

type transactionResponse struct {
	ID            string              `json:"id"`
	DriverID      types.ID            `json:"driver_id"`
	Type          commission.TxType   `json:"type"`
	Amount        int64               `json:"amount"`
	BalanceBefore int64               `json:"balance_before"`
	BalanceAfter  int64               `json:"balance_after"`
	OrderID       *types.ID           `json:"order_id,omitempty"`
	Method        string              `json:"method,omitempty"`
	Status        commission.TxStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

func toTransactionResponse(tx *commission.Transaction) transactionResponse {
	return transactionResponse{
		ID:            tx.ID,
		DriverID:      tx.DriverID,
		Type:          tx.Type,
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		OrderID:       tx.OrderID,
		Method:        tx.Method,
		Status:        tx.Status,
		CreatedAt:     tx.CreatedAt,
		CompletedAt:   tx.CompletedAt,
	}
}
