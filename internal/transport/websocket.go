// README: WebSocket hub for the driver duplex channel and customer order tracking.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coursier/internal/logging"
	"coursier/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 8 << 10
)

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub keeps one connection per driver and any number of watchers per order.
type Hub struct {
	mu       sync.RWMutex
	drivers  map[types.ID]*peer
	watchers map[types.ID]map[*peer]struct{}
	log      *slog.Logger
}

var (
	_ Publisher     = (*Hub)(nil)
	_ OfferNotifier = (*Hub)(nil)
)

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		drivers:  make(map[types.ID]*peer),
		watchers: make(map[types.ID]map[*peer]struct{}),
		log:      logging.OrNop(log),
	}
}

// ServeDriver registers conn as driverID's channel, replacing any previous
// connection, and blocks reading frames until the connection closes or ctx
// ends. Each inbound frame is passed to onFrame; a returned error is sent
// back as an error frame.
func (h *Hub) ServeDriver(ctx context.Context, driverID types.ID, conn *websocket.Conn, onFrame func(context.Context, Frame) error) {
	p := &peer{conn: conn}
	h.mu.Lock()
	if old, ok := h.drivers[driverID]; ok {
		_ = old.conn.Close()
	}
	h.drivers[driverID] = p
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.drivers[driverID] == p {
			delete(h.drivers, driverID)
		}
		h.mu.Unlock()
		_ = conn.Close()
	}()

	h.readLoop(ctx, p, func(f Frame) {
		if err := onFrame(ctx, f); err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			_ = h.writeFrame(p, Frame{Type: FrameError, Payload: payload})
		}
	})
}

// WatchOrder streams status and location frames for orderID to conn.
func (h *Hub) WatchOrder(ctx context.Context, orderID types.ID, conn *websocket.Conn) {
	p := &peer{conn: conn}
	h.mu.Lock()
	if h.watchers[orderID] == nil {
		h.watchers[orderID] = make(map[*peer]struct{})
	}
	h.watchers[orderID][p] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.watchers[orderID], p)
		if len(h.watchers[orderID]) == 0 {
			delete(h.watchers, orderID)
		}
		h.mu.Unlock()
		_ = conn.Close()
	}()

	h.readLoop(ctx, p, func(Frame) {})
}

func (h *Hub) readLoop(ctx context.Context, p *peer, handle func(Frame)) {
	p.conn.SetReadLimit(maxFrame)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = p.conn.Close()
				return
			case <-ticker.C:
				p.mu.Lock()
				err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				p.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			payload, _ := json.Marshal(map[string]string{"error": "malformed frame"})
			_ = h.writeFrame(p, Frame{Type: FrameError, Payload: payload})
			continue
		}
		handle(f)
	}
}

func (h *Hub) PublishLocation(_ context.Context, msg LocationMessage) error {
	return h.broadcast(msg.OrderID, FrameLocation, msg)
}

func (h *Hub) PublishStatus(_ context.Context, msg StatusUpdate) error {
	if err := h.broadcast(msg.OrderID, FrameStatus, msg); err != nil {
		return err
	}
	if msg.DriverID == "" {
		return nil
	}
	return h.SendToDriver(msg.DriverID, FrameStatus, msg)
}

func (h *Hub) NotifyOffer(_ context.Context, offer OrderOffer) error {
	return h.SendToDriver(offer.DriverID, FrameOffer, offer)
}

// SendToDriver is a no-op when the driver has no open connection.
func (h *Hub) SendToDriver(driverID types.ID, frameType string, v any) error {
	h.mu.RLock()
	p, ok := h.drivers[driverID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	return h.writeFrame(p, Frame{Type: frameType, Payload: payload})
}

func (h *Hub) Connected(driverID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.drivers[driverID]
	return ok
}

func (h *Hub) broadcast(orderID types.ID, frameType string, v any) error {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.watchers[orderID]))
	for p := range h.watchers[orderID] {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	if len(peers) == 0 {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	for _, p := range peers {
		if err := h.writeFrame(p, Frame{Type: frameType, Payload: payload}); err != nil {
			h.log.Warn("drop watcher write", "order_id", orderID, "error", err)
		}
	}
	return nil
}

func (h *Hub) writeFrame(p *peer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := p.write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return nil
}
