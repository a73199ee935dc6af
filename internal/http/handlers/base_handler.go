// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"coursier/internal/http/middleware"
	"coursier/internal/infra"
	"coursier/internal/modules/commission"
	"coursier/internal/modules/driver"
	"coursier/internal/modules/order"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the ids the apps and the dispatch side generate:
// up to 64 letters, digits, '-' or '_'.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, driver.ErrInvalidSample):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, driver.ErrNotTracked):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrConflict), errors.Is(err, driver.ErrOffline):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrSuspended):
		writeError(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, order.ErrArrivalRequired):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeCommissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, commission.ErrBadRequest), errors.Is(err, commission.ErrBelowMinimum):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, commission.ErrAccountNotFound), errors.Is(err, commission.ErrTransactionNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, commission.ErrInvalidTransactionState), errors.Is(err, commission.ErrAlreadyDeducted),
		errors.Is(err, commission.ErrAlreadyRefunded), errors.Is(err, commission.ErrBalanceConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// authorizeDriver lets a driver act on their own resources and an admin on
// anyone's. It writes the error response and returns false otherwise.
func authorizeDriver(c *gin.Context, driverID string) bool {
	if !isValidID(driverID) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return false
	}
	switch middleware.CallerRole(c) {
	case infra.RoleAdmin:
		return true
	case infra.RoleDriver:
		if middleware.CallerUID(c) != driverID {
			writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
			return false
		}
		return true
	default:
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return false
	}
}

// canViewOrder allows an admin, the order's driver and the customer who
// placed it.
func canViewOrder(c *gin.Context, o *order.Order) bool {
	if isAdmin(c) {
		return true
	}
	uid := middleware.CallerUID(c)
	if uid == "" {
		return false
	}
	if o.DriverID != nil && string(*o.DriverID) == uid {
		return true
	}
	return string(o.UserID) == uid
}

func isAdmin(c *gin.Context) bool {
	return middleware.CallerRole(c) == infra.RoleAdmin
}
