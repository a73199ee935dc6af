// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"coursier/internal/config"
	httptransport "coursier/internal/http"
	"coursier/internal/infra"
	"coursier/internal/logging"
	"coursier/internal/maps"
	"coursier/internal/metrics"
	"coursier/internal/modules/commission"
	"coursier/internal/modules/driver"
	"coursier/internal/modules/location"
	"coursier/internal/modules/order"
	"coursier/internal/modules/route"
	"coursier/internal/transport"
	"coursier/internal/types"
)

const offerQueue = "coursier.driver.offers"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logging.New("coursier-api", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("COURSIER_FIREBASE_PROJECT_ID is required")
	}
	fbApp, err := infra.NewFirebaseApp(ctx, infra.FirebaseOptions{
		ProjectID:       cfg.Firebase.ProjectID,
		DatabaseURL:     cfg.Firebase.DatabaseURL,
		CredentialsFile: cfg.Firebase.CredentialsFile,
	})
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, fbApp)
	if err != nil {
		return err
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := transport.NewHub(log)

	publisher := transport.Fanout{hub}
	notifier := transport.Notifiers{hub}

	rabbit, err := transport.NewRabbitMQ(ctx, cfg.RabbitMQ.URL, log)
	if err != nil {
		log.Warn("rabbitmq unavailable, broker publishing and offer intake disabled", "error", err)
	} else {
		defer rabbit.Close()
		publisher = append(publisher, transport.NewRetrying(rabbit, 3, 200*time.Millisecond, log))
	}

	if cfg.Firebase.DatabaseURL != "" {
		mirror, err := transport.NewFirebaseMirror(ctx, fbApp, log)
		if err != nil {
			log.Warn("firebase mirror disabled", "error", err)
		} else {
			publisher = append(publisher, transport.NewRetrying(mirror, 2, 200*time.Millisecond, log))
			notifier = append(notifier, mirror)
		}
	}

	rate, err := decimal.NewFromString(cfg.Commission.DefaultRate)
	if err != nil {
		return err
	}
	commissionSvc := commission.NewService(commission.NewStore(dbPool), commission.Options{
		MinimumBalance: cfg.Commission.MinimumBalance,
		DefaultRate:    rate,
		Cache:          commission.NewRedisCache(redisClient, cfg.Commission.BalanceTTL, log),
		Logger:         log,
	})

	orderSvc := order.NewService(order.NewStore(dbPool), order.Options{
		Ledger:      commissionSvc,
		Publisher:   publisher,
		Metrics:     m,
		Logger:      log,
		AutoDepart:  cfg.Order.AutoDepart,
		OfferWindow: cfg.Order.OfferWindow,
		ExpiryTick:  cfg.Order.ExpiryTick,
	})

	locationSvc := location.NewService(location.NewStore(dbPool, redisClient))

	var provider route.Provider
	if cfg.Maps.APIKey != "" {
		directions, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		provider = directions
	} else {
		log.Warn("COURSIER_MAPS_API_KEY not set, routes fall back to straight lines")
	}
	routeSvc := route.NewService(provider, route.Options{
		Cache:        route.NewRedisCache(redisClient, cfg.Route.CacheTTL, log),
		ToleranceDeg: cfg.Route.ToleranceDeg,
		Logger:       log,
	})

	sessions := driver.NewRegistry(driver.Deps{
		Orders:    orderSvc,
		Locations: locationSvc,
		Planner:   routeSvc,
		Publisher: publisher,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    log,
		OnRouteFrame: func(driverID, orderID types.ID, frame []types.Point) {
			_ = hub.SendToDriver(driverID, transport.FrameRoute, transport.RouteFrame{OrderID: orderID, Coordinates: frame})
		},
		Config: driver.Config{
			GeofenceRadiusM: cfg.Geofence.RadiusMeters,
			Throttle:        location.Policy{MinInterval: cfg.Throttle.MinInterval, MinDistanceM: cfg.Throttle.MinDistanceM},
			Navigator:       cfg.Driver.Navigator,
			Animation: route.AnimationConfig{
				Base:  cfg.Route.AnimBase,
				PerKm: cfg.Route.AnimPerKm,
				Min:   cfg.Route.AnimMin,
				Max:   cfg.Route.AnimMax,
			},
			FrameInterval: cfg.Route.FrameInterval,
			Heartbeat:     cfg.Driver.HeartbeatInterval,
			AutoComplete:  cfg.Order.AutoCompleteOnArrival,
			OfferWindow:   cfg.Order.OfferWindow,
		},
	})
	defer sessions.Shutdown(context.Background())

	go orderSvc.RunOfferExpiry(ctx)
	if rabbit != nil {
		go consumeOffers(ctx, rabbit, sessions, log)
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier:   verifier,
		Orders:     orderSvc,
		Sessions:   sessions,
		Commission: commissionSvc,
		Routes:     routeSvc,
		Hub:        hub,
		Metrics:    m,
		Logger:     log,
	})
	return httptransport.NewServer(cfg.HTTP.Addr, router, log).Run(ctx)
}

// consumeOffers hands broker offers to the addressed driver's session.
// Offers that can never be shown (offline driver, lapsed window, id already
// used by another order, malformed) are acknowledged and dropped; dispatch
// re-offers under a fresh order id.
func consumeOffers(ctx context.Context, rabbit *transport.RabbitMQ, sessions *driver.Registry, log *slog.Logger) {
	handle := func(ctx context.Context, offer transport.OrderOffer) error {
		err := sessions.Deliver(ctx, offer, time.Now())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, driver.ErrOffline), errors.Is(err, driver.ErrOfferExpired),
			errors.Is(err, order.ErrConflict), errors.Is(err, order.ErrBadRequest):
			log.Info("offer dropped", "driver_id", offer.DriverID, "order_id", offer.Order.ID, "reason", err)
			return nil
		}
		return err
	}
	for {
		err := rabbit.ConsumeOffers(ctx, offerQueue, handle)
		if ctx.Err() != nil {
			return
		}
		log.Warn("offer consumer stopped, retrying", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
