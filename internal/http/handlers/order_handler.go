// README: Order handlers for status lookup and back-office cancellation.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"coursier/internal/http/middleware"
	"coursier/internal/modules/driver"
	"coursier/internal/modules/order"
	"coursier/internal/types"
)

type OrderHandler struct {
	orders   *order.Service
	sessions *driver.Registry
}

func NewOrderHandler(orders *order.Service, sessions *driver.Registry) *OrderHandler {
	return &OrderHandler{orders: orders, sessions: sessions}
}

func (h *OrderHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := h.orders.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if !isAdmin(c) && (o.DriverID == nil || string(*o.DriverID) != middleware.CallerUID(c)) {
		writeError(c, http.StatusForbidden, "forbidden: order assigned to another driver")
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type cancelReq struct {
	Reason string `json:"reason"`
}

// Cancel is admin-only. An assigned order is cancelled through its driver's
// session so tracking stops at once.
func (h *OrderHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden: admin role required")
		return
	}
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	o, err := h.orders.Get(ctx, types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	admin := types.ID(middleware.CallerUID(c))
	treq := order.TransitionRequest{
		OrderID: o.ID,
		Target:  order.StatusCancelled,
		Actor:   order.ActorAdmin,
		ActorID: &admin,
		Reason:  req.Reason,
	}

	var res *order.Result
	if o.DriverID != nil {
		s, serr := h.sessions.Session(*o.DriverID)
		if serr != nil {
			writeError(c, http.StatusInternalServerError, "internal error")
			return
		}
		res, err = s.Transition(ctx, treq)
	} else {
		res, err = h.orders.RequestTransition(ctx, treq)
	}
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTransitionResponse(res))
}
