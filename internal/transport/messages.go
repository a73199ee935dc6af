// README: Messages carried between the fulfillment engine and the duplex channel.
package transport

import (
	"encoding/json"
	"time"

	"coursier/internal/types"
)

// LocationMessage is the outbound driver position, sent only for samples the
// broadcast throttle lets through.
type LocationMessage struct {
	DriverID  types.ID `json:"driver_id"`
	OrderID   types.ID `json:"order_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
}

// StatusUpdate is sent on every applied order transition and on heartbeats.
type StatusUpdate struct {
	OrderID   types.ID     `json:"order_id"`
	DriverID  types.ID     `json:"driver_id,omitempty"`
	Status    string       `json:"status"`
	Location  *types.Point `json:"location,omitempty"`
	Heartbeat bool         `json:"heartbeat,omitempty"`
}

type StopPayload struct {
	Address     string       `json:"address"`
	Coordinates *types.Point `json:"coordinates,omitempty"`
}

// OfferPayload is the order as the dispatch side sends it.
type OfferPayload struct {
	ID             types.ID    `json:"id"`
	UserID         types.ID    `json:"user_id"`
	Pickup         StopPayload `json:"pickup"`
	Dropoff        StopPayload `json:"dropoff"`
	DeliveryMethod string      `json:"delivery_method"`
	Price          int64       `json:"price"`
	DistanceKm     float64     `json:"distance_km"`
}

// OrderOffer is the inbound offer of a pending order to one driver.
type OrderOffer struct {
	DriverID  types.ID     `json:"driver_id"`
	Order     OfferPayload `json:"order"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Frame is the envelope used on the driver WebSocket in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	FrameLocation = "location"
	FrameStatus   = "status"
	FrameOffer    = "offer"
	FrameConfirm  = "confirm"
	FrameDecline  = "decline"
	FrameArrival  = "arrival"
	FrameRoute    = "route"
	FrameError    = "error"
)

// SampleFrame is the inbound payload of a FrameLocation frame.
type SampleFrame struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	TimestampMs int64   `json:"timestamp"`
}

// ConfirmFrame is the inbound payload of FrameConfirm and FrameDecline frames.
type ConfirmFrame struct {
	OrderID types.ID `json:"order_id"`
	Status  string   `json:"status,omitempty"`
}

// RouteFrame is one outbound step of the route draw-in animation.
type RouteFrame struct {
	OrderID     types.ID      `json:"order_id"`
	Coordinates []types.Point `json:"coordinates"`
}
