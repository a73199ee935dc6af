// README: PostgreSQL-backed order store tests (skipped unless COURSIER_TEST_DSN is set).
package order

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coursier/internal/types"
)

func TestStoreRoundTripNullableCoordinates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(25 * time.Second).UTC().Truncate(time.Millisecond)
	o := &Order{
		ID:             "o_store_roundtrip",
		UserID:         "u1",
		Status:         StatusPending,
		Pickup:         Stop{Address: "Yopougon", Coordinates: &types.Point{Lat: 5.33, Lng: -4.08}},
		Dropoff:        Stop{Address: "commande téléphone"},
		DeliveryMethod: MethodVehicule,
		Price:          types.FCFA(4200),
		DistanceKm:     7.5,
		CreatedAt:      time.Now().UTC(),
		OfferExpiresAt: &exp,
	}
	if created, err := store.Create(ctx, o); err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if created, err := store.Create(ctx, o); err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Pickup.Coordinates == nil || got.Pickup.Coordinates.Lat != 5.33 {
		t.Errorf("pickup coordinates = %+v", got.Pickup.Coordinates)
	}
	if got.Dropoff.Coordinates != nil {
		t.Errorf("dropoff coordinates should stay nil, got %+v", got.Dropoff.Coordinates)
	}
	if got.Price != types.FCFA(4200) || got.DeliveryMethod != MethodVehicule {
		t.Errorf("price/method = %+v %s", got.Price, got.DeliveryMethod)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order: expected ErrNotFound, got %v", err)
	}
}

func TestStoreExpiredOffers(t *testing.T) {
	store := setupTestStore(t)
	svc := NewService(store, Options{})
	ctx := context.Background()

	if _, _, err := svc.Offer(ctx, &Order{ID: "o_expire", UserID: "u1", Price: types.FCFA(1000)}, 25*time.Second); err != nil {
		t.Fatalf("offer: %v", err)
	}
	n, err := svc.ExpireOffers(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	o, err := svc.Get(ctx, "o_expire")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != StatusDeclined || o.CancelReason == nil || o.CancelledAt == nil {
		t.Fatalf("unexpected order after expiry: %+v", o)
	}
}

// TestConcurrentAcceptSameOrder races two services (two API instances) on
// one row; the status_version guard lets exactly one accept through.
func TestConcurrentAcceptSameOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seed := NewService(store, Options{})
	if _, _, err := seed.Offer(ctx, &Order{ID: "o_race", UserID: "u1", Price: types.FCFA(2000)}, 0); err != nil {
		t.Fatalf("offer: %v", err)
	}

	drivers := []types.ID{"d1", "d2", "d3"}
	errs := make(chan error, len(drivers))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, d := range drivers {
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			svc := NewService(store, Options{})
			<-start
			_, err := svc.RequestTransition(ctx, TransitionRequest{OrderID: "o_race", Target: StatusAccepted, DriverID: did})
			errs <- err
		}(d)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("COURSIER_TEST_DSN")
	if dsn == "" {
		t.Skip("COURSIER_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE order_state_events, orders"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
