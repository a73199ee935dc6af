package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Throttle.MinInterval != 3*time.Second || cfg.Throttle.MinDistanceM != 15 {
		t.Errorf("unexpected throttle defaults: %+v", cfg.Throttle)
	}
	if cfg.Route.ToleranceDeg != 0.00002 {
		t.Errorf("unexpected tolerance: %v", cfg.Route.ToleranceDeg)
	}
	if cfg.Commission.MinimumBalance != 10000 {
		t.Errorf("unexpected minimum balance: %d", cfg.Commission.MinimumBalance)
	}
	if cfg.Driver.HeartbeatInterval != 2*time.Minute {
		t.Errorf("unexpected heartbeat: %v", cfg.Driver.HeartbeatInterval)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COURSIER_GEOFENCE_RADIUS_M", "60")
	t.Setenv("COURSIER_OFFER_WINDOW", "30s")
	t.Setenv("COURSIER_AUTO_COMPLETE", "true")
	t.Setenv("COURSIER_NAVIGATOR", "handoff")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Geofence.RadiusMeters != 60 {
		t.Errorf("radius = %v, want 60", cfg.Geofence.RadiusMeters)
	}
	if cfg.Order.OfferWindow != 30*time.Second {
		t.Errorf("offer window = %v, want 30s", cfg.Order.OfferWindow)
	}
	if !cfg.Order.AutoCompleteOnArrival {
		t.Error("expected auto complete on")
	}
	if cfg.Driver.Navigator != "handoff" {
		t.Errorf("navigator = %q", cfg.Driver.Navigator)
	}
}

func TestLoad_RejectsOfferWindowOutsideBand(t *testing.T) {
	t.Setenv("COURSIER_OFFER_WINDOW", "10s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a 10s offer window")
	}
}

func TestLoad_RejectsUnknownNavigator(t *testing.T) {
	t.Setenv("COURSIER_NAVIGATOR", "carplay")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown navigator")
	}
}

func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("COURSIER_GEOFENCE_RADIUS_M", "eighty")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Geofence.RadiusMeters != 80 {
		t.Errorf("radius = %v, want default 80", cfg.Geofence.RadiusMeters)
	}
}
