// README: Commission handlers: balance, transactions, recharge lifecycle and refunds.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"coursier/internal/modules/commission"
	"coursier/internal/types"
)

// Ledger is the commission surface exposed over HTTP.
type Ledger interface {
	Balance(ctx context.Context, driverID types.ID) (*commission.Account, error)
	Transactions(ctx context.Context, driverID types.ID, limit int) ([]commission.Transaction, error)
	PostRecharge(ctx context.Context, cmd commission.RechargeCommand) (*commission.Transaction, error)
	ConfirmRecharge(ctx context.Context, txID string) (*commission.Transaction, error)
	FailRecharge(ctx context.Context, txID string) (*commission.Transaction, error)
	PostRefund(ctx context.Context, cmd commission.RefundCommand) (*commission.Transaction, error)
}

type CommissionHandler struct {
	ledger Ledger
}

func NewCommissionHandler(ledger Ledger) *CommissionHandler {
	return &CommissionHandler{ledger: ledger}
}

func (h *CommissionHandler) Balance(c *gin.Context) {
	id := c.Param("driverID")
	if !authorizeDriver(c, id) {
		return
	}
	a, err := h.ledger.Balance(c.Request.Context(), types.ID(id))
	if err != nil {
		writeCommissionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, balanceResponse{
		Balance:        a.Balance,
		MinimumBalance: a.MinimumBalance,
		CommissionRate: a.CommissionRate.String(),
		IsSuspended:    a.IsSuspended,
		Alert:          a.Alert(),
	})
}

func (h *CommissionHandler) Transactions(c *gin.Context) {
	id := c.Param("driverID")
	if !authorizeDriver(c, id) {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	txs, err := h.ledger.Transactions(c.Request.Context(), types.ID(id), limit)
	if err != nil {
		writeCommissionError(c, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for i := range txs {
		out = append(out, toTransactionResponse(&txs[i]))
	}
	writeJSON(c, http.StatusOK, out)
}

type rechargeReq struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

func (h *CommissionHandler) Recharge(c *gin.Context) {
	id := c.Param("driverID")
	if !authorizeDriver(c, id) {
		return
	}
	var req rechargeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	tx, err := h.ledger.PostRecharge(c.Request.Context(), commission.RechargeCommand{
		DriverID: types.ID(id),
		Amount:   req.Amount,
		Method:   req.Method,
	})
	if err != nil {
		writeCommissionError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"transaction_id": tx.ID})
}

// Confirm is the payment provider callback settling a pending recharge.
func (h *CommissionHandler) Confirm(c *gin.Context) {
	h.settle(c, h.ledger.ConfirmRecharge)
}

func (h *CommissionHandler) Fail(c *gin.Context) {
	h.settle(c, h.ledger.FailRecharge)
}

func (h *CommissionHandler) settle(c *gin.Context, fn func(context.Context, string) (*commission.Transaction, error)) {
	if !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden: admin role required")
		return
	}
	txID := c.Param("txID")
	if !isValidID(txID) {
		writeError(c, http.StatusBadRequest, "invalid transaction id")
		return
	}
	tx, err := fn(c.Request.Context(), txID)
	if err != nil {
		writeCommissionError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTransactionResponse(tx))
}

type refundReq struct {
	OrderID string `json:"order_id"`
}

func (h *CommissionHandler) Refund(c *gin.Context) {
	if !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden: admin role required")
		return
	}
	id := c.Param("driverID")
	var req refundReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(id) || !isValidID(req.OrderID) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	tx, err := h.ledger.PostRefund(c.Request.Context(), commission.RefundCommand{
		DriverID: types.ID(id),
		OrderID:  types.ID(req.OrderID),
	})
	if err != nil {
		writeCommissionError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toTransactionResponse(tx))
}
