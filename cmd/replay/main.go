// README: Replay runner; plays a recorded JSON trace through the fulfillment engine and prints what it did.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"coursier/internal/logging"
	"coursier/internal/modules/location"
	"coursier/internal/modules/route"
)

type Config struct {
	TracePath    string
	Navigator    string
	AutoComplete bool
	RadiusM      float64
	MinInterval  time.Duration
	MinDistanceM float64
	ToleranceDeg float64
	LogLevel     string
	Strict       bool
	Timeout      time.Duration
}

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	tr, err := LoadTrace(cfg.TracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("== Replay %s (driver %s, order %s) ==\n", cfg.TracePath, tr.DriverID, tr.Order.ID)
	rep, err := Replay(ctx, tr, Options{
		Navigator:    cfg.Navigator,
		AutoComplete: cfg.AutoComplete,
		RadiusM:      cfg.RadiusM,
		Policy:       location.Policy{MinInterval: cfg.MinInterval, MinDistanceM: cfg.MinDistanceM},
		ToleranceDeg: cfg.ToleranceDeg,
		Out:          os.Stdout,
		Logger:       logging.NewWithWriter(os.Stderr, "coursier-replay", cfg.LogLevel),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println("\n== Summary ==")
	fmt.Printf("FINAL=%s STEP_ERRORS=%d\n", rep.FinalStatus, rep.StepErrors)
	fmt.Printf("EMITTED=%d SUPPRESSED=%d\n", rep.Emitted, rep.Suppressed)
	fmt.Printf("PICKUP_ENTERED=%d DROPOFF_ENTERED=%d\n", rep.PickupEntered, rep.DropoffEntered)
	fmt.Printf("ROUTE raw=%d simplified=%d traveled=%.3fkm simplified=%.3fkm\n",
		rep.RawPoints, len(rep.Simplified), rep.TraveledKm, rep.SimplifiedPathKm)
	for _, p := range rep.Simplified {
		fmt.Printf("  %.5f,%.5f\n", p.Lat, p.Lng)
	}

	if tr.ExpectStatus != "" && string(rep.FinalStatus) != tr.ExpectStatus {
		fmt.Printf("expected final status %s\n", tr.ExpectStatus)
		os.Exit(1)
	}
	if cfg.Strict && rep.StepErrors > 0 {
		os.Exit(1)
	}
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TracePath, "trace", envOrDefault("COURSIER_REPLAY_TRACE", "cmd/replay/testdata/cocody_plateau.json"), "JSON trace path")
	flag.StringVar(&cfg.Navigator, "navigator", envOrDefault("COURSIER_NAVIGATOR", "native"), "native or handoff")
	flag.BoolVar(&cfg.AutoComplete, "auto-complete", envOrDefaultBool("COURSIER_AUTO_COMPLETE", false), "Complete delivering orders on navigation arrival")
	flag.Float64Var(&cfg.RadiusM, "radius", envOrDefaultFloat("COURSIER_GEOFENCE_RADIUS_M", 80), "Geofence radius in meters")
	flag.DurationVar(&cfg.MinInterval, "throttle-interval", envOrDefaultDuration("COURSIER_THROTTLE_INTERVAL", location.DefaultMinInterval), "Minimum interval between broadcasts")
	flag.Float64Var(&cfg.MinDistanceM, "throttle-distance", envOrDefaultFloat("COURSIER_THROTTLE_DISTANCE_M", location.DefaultMinDistanceM), "Minimum distance between broadcasts")
	flag.Float64Var(&cfg.ToleranceDeg, "tolerance", envOrDefaultFloat("COURSIER_ROUTE_TOLERANCE", route.DefaultToleranceDeg), "Simplification tolerance in degrees")
	flag.StringVar(&cfg.LogLevel, "log-level", envOrDefault("COURSIER_LOG_LEVEL", "WARN"), "Log level")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("COURSIER_REPLAY_STRICT", false), "Fail on step errors")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("COURSIER_REPLAY_TIMEOUT", 60*time.Second), "Total timeout")
	flag.Parse()
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
