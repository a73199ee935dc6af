// README: WebSocket endpoints: the driver duplex channel and customer order tracking.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"coursier/internal/modules/driver"
	"coursier/internal/modules/location"
	"coursier/internal/modules/order"
	"coursier/internal/transport"
	"coursier/internal/types"
)

// OrderReader loads the order a watcher asks for.
type OrderReader interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

type WSHandler struct {
	hub      *transport.Hub
	sessions *driver.Registry
	orders   OrderReader
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *transport.Hub, sessions *driver.Registry, orders OrderReader) *WSHandler {
	return &WSHandler{
		hub:      hub,
		sessions: sessions,
		orders:   orders,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the driver and customer apps are native clients without an Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Driver upgrades the driver app connection and feeds its frames into the
// driver's session. The session goes online with the connection.
func (h *WSHandler) Driver(c *gin.Context) {
	id := c.Param("id")
	if !authorizeDriver(c, id) {
		return
	}
	s, err := h.sessions.Session(types.ID(id))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	s.GoOnline(ctx)
	h.hub.ServeDriver(ctx, types.ID(id), conn, func(ctx context.Context, f transport.Frame) error {
		return DispatchFrame(ctx, s, f)
	})
}

// Watch streams status and location updates of one order to the customer
// who placed it, its driver or an admin.
func (h *WSHandler) Watch(c *gin.Context) {
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
	if !canViewOrder(c, o) {
		writeError(c, http.StatusForbidden, "forbidden: not a party to this order")
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	h.hub.WatchOrder(context.WithoutCancel(c.Request.Context()), types.ID(id), conn)
}

// DispatchFrame applies one inbound driver frame to the session.
func DispatchFrame(ctx context.Context, s *driver.Session, f transport.Frame) error {
	switch f.Type {
	case transport.FrameLocation:
		var p transport.SampleFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("%w: location payload", order.ErrBadRequest)
		}
		return s.HandleSample(ctx, location.Sample{
			Point:       types.Point{Lat: p.Latitude, Lng: p.Longitude},
			TimestampMs: p.TimestampMs,
		})
	case transport.FrameConfirm:
		var p transport.ConfirmFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("%w: confirm payload", order.ErrBadRequest)
		}
		target, ok := order.ParseStatus(p.Status)
		if !ok {
			return fmt.Errorf("%w: unknown status %q", order.ErrBadRequest, p.Status)
		}
		_, err := s.Confirm(ctx, p.OrderID, target)
		return err
	case transport.FrameDecline:
		var p transport.ConfirmFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("%w: decline payload", order.ErrBadRequest)
		}
		_, err := s.Decline(ctx, p.OrderID, "declined by driver")
		return err
	case transport.FrameArrival:
		var p transport.ConfirmFrame
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("%w: arrival payload", order.ErrBadRequest)
		}
		return s.ReportArrival(ctx, p.OrderID)
	default:
		return fmt.Errorf("%w: unknown frame type %q", order.ErrBadRequest, f.Type)
	}
}
