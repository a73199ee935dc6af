// README: Driver handlers: availability, location samples, offers and status transitions.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"coursier/internal/http/middleware"
	"coursier/internal/modules/driver"
	"coursier/internal/modules/location"
	"coursier/internal/modules/order"
	"coursier/internal/transport"
	"coursier/internal/types"
)

type DriverHandler struct {
	sessions *driver.Registry
}

func NewDriverHandler(sessions *driver.Registry) *DriverHandler {
	return &DriverHandler{sessions: sessions}
}

func (h *DriverHandler) session(c *gin.Context, driverID string) (*driver.Session, bool) {
	s, err := h.sessions.Session(types.ID(driverID))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return s, true
}

func (h *DriverHandler) Online(c *gin.Context) {
	id := c.Param("id")
	if !authorizeDriver(c, id) {
		return
	}
	s, ok := h.session(c, id)
	if !ok {
		return
	}
	s.GoOnline(c.Request.Context())
	writeJSON(c, http.StatusOK, gin.H{"status": "online"})
}

func (h *DriverHandler) Offline(c *gin.Context) {
	id := c.Param("id")
	if !authorizeDriver(c, id) {
		return
	}
	if s, ok := h.sessions.Lookup(types.ID(id)); ok {
		s.GoOffline(c.Request.Context())
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "offline"})
}

type sampleReq struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
}

func (h *DriverHandler) Location(c *gin.Context) {
	id := c.Param("id")
	if !authorizeDriver(c, id) {
		return
	}
	var req sampleReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Latitude == nil || req.Longitude == nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	s, ok := h.session(c, id)
	if !ok {
		return
	}
	err := s.HandleSample(c.Request.Context(), location.Sample{
		Point:       types.Point{Lat: *req.Latitude, Lng: *req.Longitude},
		TimestampMs: ts,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"status": "ok"})
}

func (h *DriverHandler) Orders(c *gin.Context) {
	id := c.Param("id")
	if !authorizeDriver(c, id) {
		return
	}
	s, ok := h.session(c, id)
	if !ok {
		return
	}
	tracked := s.Tracked()
	out := make([]orderResponse, 0, len(tracked))
	for _, o := range tracked {
		resp := toOrderResponse(o)
		if g, ok := s.Guidance(o.ID); ok {
			resp.Guidance = &g
		}
		out = append(out, resp)
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": out})
}

type transitionReq struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Transition applies a status change on one of the driver's orders. Admins
// go through the same session so the driver's tracking follows.
func (h *DriverHandler) Transition(c *gin.Context) {
	id, orderID := c.Param("id"), c.Param("orderID")
	if !authorizeDriver(c, id) {
		return
	}
	if !isValidID(orderID) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	target, ok := order.ParseStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "unknown status")
		return
	}
	s, ok := h.session(c, id)
	if !ok {
		return
	}

	treq := order.TransitionRequest{OrderID: types.ID(orderID), Target: target, Actor: order.ActorDriver, Reason: req.Reason}
	if isAdmin(c) {
		admin := types.ID(middleware.CallerUID(c))
		treq.Actor, treq.ActorID = order.ActorAdmin, &admin
	}
	res, err := s.Transition(c.Request.Context(), treq)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTransitionResponse(res))
}

type declineReq struct {
	Reason string `json:"reason"`
}

func (h *DriverHandler) Decline(c *gin.Context) {
	id, orderID := c.Param("id"), c.Param("orderID")
	if !authorizeDriver(c, id) {
		return
	}
	if !isValidID(orderID) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return
	}
	var req declineReq
	_ = c.ShouldBindJSON(&req)
	s, ok := h.session(c, id)
	if !ok {
		return
	}
	res, err := s.Decline(c.Request.Context(), types.ID(orderID), req.Reason)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toTransitionResponse(res))
}

// Arrival is the driver's manual "I'm here" when navigating in an external app.
func (h *DriverHandler) Arrival(c *gin.Context) {
	id, orderID := c.Param("id"), c.Param("orderID")
	if !authorizeDriver(c, id) {
		return
	}
	s, ok := h.session(c, id)
	if !ok {
		return
	}
	if err := s.ReportArrival(c.Request.Context(), types.ID(orderID)); err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

type offerReq struct {
	Order         transport.OfferPayload `json:"order"`
	WindowSeconds int                    `json:"window_seconds"`
}

// Offer pushes an order to a driver from the back office. Regular offers
// arrive over the message broker.
func (h *DriverHandler) Offer(c *gin.Context) {
	id := c.Param("id")
	if !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden: admin role required")
		return
	}
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return
	}
	var req offerReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(string(req.Order.ID)) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	s, ok := h.session(c, id)
	if !ok {
		return
	}
	o := order.FromOffer(transport.OrderOffer{DriverID: types.ID(id), Order: req.Order})
	stored, err := s.Offer(c.Request.Context(), o, time.Duration(req.WindowSeconds)*time.Second)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toOrderResponse(stored))
}
