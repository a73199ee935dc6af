// README: Firebase RTDB mirror for the customer app and FCM push of new offers to driver devices.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"

	"coursier/internal/logging"
)

// FirebaseMirror is a Publisher and OfferNotifier backed by RTDB and FCM.
type FirebaseMirror struct {
	dbClient  *db.Client
	msgClient *messaging.Client
	log       *slog.Logger
}

var (
	_ Publisher     = (*FirebaseMirror)(nil)
	_ OfferNotifier = (*FirebaseMirror)(nil)
)

// NewFirebaseMirror opens the RTDB and FCM clients of app. The app must have
// been created with a DatabaseURL.
func NewFirebaseMirror(ctx context.Context, app *firebase.App, log *slog.Logger) (*FirebaseMirror, error) {
	dbClient, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase RTDB client: %w", err)
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FirebaseMirror{dbClient: dbClient, msgClient: msgClient, log: logging.OrNop(log)}, nil
}

// rtdbDriverEntry mirrors a driver entry under /driver_locations.
type rtdbDriverEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	OrderID   string  `json:"order_id"`
	Timestamp int64   `json:"timestamp"`
}

func (f *FirebaseMirror) PublishLocation(ctx context.Context, msg LocationMessage) error {
	entry := rtdbDriverEntry{
		Lat:       msg.Latitude,
		Lng:       msg.Longitude,
		OrderID:   string(msg.OrderID),
		Timestamp: msg.Timestamp,
	}
	if err := f.dbClient.NewRef("driver_locations/"+string(msg.DriverID)).Set(ctx, entry); err != nil {
		return fmt.Errorf("%w: rtdb location: %v", ErrNetworkUnavailable, err)
	}
	return nil
}

func (f *FirebaseMirror) PublishStatus(ctx context.Context, msg StatusUpdate) error {
	update := map[string]interface{}{
		"status":     msg.Status,
		"updated_at": time.Now().UnixMilli(),
	}
	if msg.DriverID != "" {
		update["driver_id"] = string(msg.DriverID)
	}
	if msg.Location != nil {
		update["driver_lat"] = msg.Location.Lat
		update["driver_lng"] = msg.Location.Lng
	}
	if err := f.dbClient.NewRef("orders/"+string(msg.OrderID)).Update(ctx, update); err != nil {
		return fmt.Errorf("%w: rtdb status: %v", ErrNetworkUnavailable, err)
	}
	return nil
}

// NotifyOffer sends an FCM data message to the driver's registered device.
// Device tokens live under /driver_tokens/{driverID}.
func (f *FirebaseMirror) NotifyOffer(ctx context.Context, offer OrderOffer) error {
	var token string
	if err := f.dbClient.NewRef("driver_tokens/"+string(offer.DriverID)).Get(ctx, &token); err != nil {
		return fmt.Errorf("resolving device token for %s: %w", offer.DriverID, err)
	}
	if token == "" {
		return fmt.Errorf("empty device token for driver %s", offer.DriverID)
	}

	messageID, err := f.msgClient.Send(ctx, offerMessage(token, offer))
	if err != nil {
		return fmt.Errorf("sending FCM for order %s: %w", offer.Order.ID, err)
	}
	f.log.Info("offer push sent", "order_id", offer.Order.ID, "message_id", messageID)
	return nil
}

func offerMessage(token string, offer OrderOffer) *messaging.Message {
	data := map[string]string{
		"type":            "new_order",
		"order_id":        string(offer.Order.ID),
		"delivery_method": offer.Order.DeliveryMethod,
		"price":           strconv.FormatInt(offer.Order.Price, 10),
		"pickup_address":  offer.Order.Pickup.Address,
		"dropoff_address": offer.Order.Dropoff.Address,
		"expires_at":      strconv.FormatInt(offer.ExpiresAt.UnixMilli(), 10),
	}
	if c := offer.Order.Pickup.Coordinates; c != nil {
		data["pickup_lat"] = strconv.FormatFloat(c.Lat, 'f', 6, 64)
		data["pickup_lng"] = strconv.FormatFloat(c.Lng, 'f', 6, 64)
	}
	if c := offer.Order.Dropoff.Coordinates; c != nil {
		data["dropoff_lat"] = strconv.FormatFloat(c.Lat, 'f', 6, 64)
		data["dropoff_lng"] = strconv.FormatFloat(c.Lng, 'f', 6, 64)
	}
	return &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: "Nouvelle course",
			Body:  fmt.Sprintf("%s → %s · %d FCFA", offer.Order.Pickup.Address, offer.Order.Dropoff.Address, offer.Order.Price),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      ttlUntil(offer.ExpiresAt),
		},
	}
}

func ttlUntil(t time.Time) *time.Duration {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return &d
}
