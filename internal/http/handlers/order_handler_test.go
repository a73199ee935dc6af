// README: Handler tests for authorization, error mapping and the driver delivery flow over HTTP.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"coursier/internal/http/handlers"
	httpmiddleware "coursier/internal/http/middleware"
	"coursier/internal/infra"
	"coursier/internal/modules/commission"
	"coursier/internal/modules/driver"
	"coursier/internal/modules/order"
	"coursier/internal/modules/route"
	"coursier/internal/transport"
	"coursier/internal/types"
)

// stubTokenVerifier is a test double for infra.TokenVerifier.
type stubTokenVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

func makeVerifier(uid, role string) *stubTokenVerifier {
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &stubTokenVerifier{token: &infra.FirebaseToken{UID: uid, Claims: claims}}
}

type stubLedger struct {
	account  *commission.Account
	txs      []commission.Transaction
	err      error
	recharge commission.RechargeCommand
}

func (l *stubLedger) Balance(_ context.Context, driverID types.ID) (*commission.Account, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.account, nil
}

func (l *stubLedger) Transactions(_ context.Context, _ types.ID, limit int) ([]commission.Transaction, error) {
	if limit > 0 && limit < len(l.txs) {
		return l.txs[:limit], l.err
	}
	return l.txs, l.err
}

func (l *stubLedger) PostRecharge(_ context.Context, cmd commission.RechargeCommand) (*commission.Transaction, error) {
	if cmd.Amount < commission.DefaultMinimumBalance {
		return nil, commission.ErrBelowMinimum
	}
	l.recharge = cmd
	return &commission.Transaction{ID: "tx-1", DriverID: cmd.DriverID, Type: commission.TxRecharge, Amount: cmd.Amount, Status: commission.TxPending}, nil
}

func (l *stubLedger) ConfirmRecharge(_ context.Context, txID string) (*commission.Transaction, error) {
	if txID != "tx-1" {
		return nil, commission.ErrTransactionNotFound
	}
	return &commission.Transaction{ID: txID, Status: commission.TxCompleted}, nil
}

func (l *stubLedger) FailRecharge(_ context.Context, txID string) (*commission.Transaction, error) {
	return nil, commission.ErrInvalidTransactionState
}

func (l *stubLedger) PostRefund(_ context.Context, cmd commission.RefundCommand) (*commission.Transaction, error) {
	oid := cmd.OrderID
	return &commission.Transaction{ID: "tx-r", DriverID: cmd.DriverID, Type: commission.TxRefund, OrderID: &oid, Status: commission.TxCompleted}, nil
}

type suspendedLedger struct{}

func (suspendedLedger) CanAcceptOrder(context.Context, types.ID) (bool, error) { return false, nil }
func (suspendedLedger) PostDeduction(context.Context, commission.DeductionCommand) (*commission.Transaction, error) {
	return nil, commission.ErrAccountNotFound
}

type straightPlanner struct{}

func (straightPlanner) Plan(_ context.Context, origin, destination types.Point) (*route.Route, error) {
	if !origin.Valid() || !destination.Valid() {
		return nil, route.ErrBadRequest
	}
	return route.StraightLine(origin, destination), nil
}

type testEnv struct {
	orders   *order.Service
	sessions *driver.Registry
	ledger   *stubLedger
}

func newTestEnv(ledger order.Ledger) *testEnv {
	orders := order.NewService(order.NewMemoryStore(), order.Options{Ledger: ledger, AutoDepart: true})
	return &testEnv{
		orders:   orders,
		sessions: driver.NewRegistry(driver.Deps{Orders: orders, Config: driver.Config{GeofenceRadiusM: 80}}),
		ledger: &stubLedger{account: &commission.Account{
			DriverID: "driverA", Balance: 2500, MinimumBalance: 10000,
			CommissionRate: decimal.RequireFromString("0.15"),
		}},
	}
}

// buildTestRouter wires a minimal Gin engine with the auth middleware and the handlers.
func (e *testEnv) buildTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(httpmiddleware.Auth(verifier))

	d := handlers.NewDriverHandler(e.sessions)
	r.POST("/api/drivers/:id/online", d.Online)
	r.POST("/api/drivers/:id/offline", d.Offline)
	r.POST("/api/drivers/:id/location", d.Location)
	r.GET("/api/drivers/:id/orders", d.Orders)
	r.POST("/api/drivers/:id/offers", d.Offer)
	r.POST("/api/drivers/:id/orders/:orderID/status", d.Transition)
	r.POST("/api/drivers/:id/orders/:orderID/decline", d.Decline)

	o := handlers.NewOrderHandler(e.orders, e.sessions)
	r.GET("/api/orders/:id", o.Get)
	r.POST("/api/orders/:id/cancel", o.Cancel)

	c := handlers.NewCommissionHandler(e.ledger)
	r.GET("/api/commission/:driverID/balance", c.Balance)
	r.GET("/api/commission/:driverID/transactions", c.Transactions)
	r.POST("/api/commission/:driverID/recharge", c.Recharge)
	r.POST("/api/commission/:driverID/refunds", c.Refund)
	r.POST("/api/commission/transactions/:txID/confirm", c.Confirm)
	r.POST("/api/commission/transactions/:txID/fail", c.Fail)

	rt := handlers.NewRouteHandler(straightPlanner{})
	r.POST("/api/routes/plan", rt.Plan)
	return r
}

func doRequest(r *gin.Engine, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func offerBody(id string) map[string]any {
	return map[string]any{
		"order": transport.OfferPayload{
			ID:             types.ID(id),
			UserID:         "u1",
			Pickup:         transport.StopPayload{Address: "Cocody", Coordinates: &types.Point{Lat: 5.36, Lng: -3.98}},
			Dropoff:        transport.StopPayload{Address: "Plateau", Coordinates: &types.Point{Lat: 5.32, Lng: -4.02}},
			DeliveryMethod: "moto",
			Price:          2000,
		},
		"window_seconds": 25,
	}
}

// TestOnline_Unauthenticated verifies that requests without a valid token are rejected.
func TestOnline_Unauthenticated(t *testing.T) {
	r := newTestEnv(nil).buildTestRouter(&stubTokenVerifier{err: errors.New("no token")})
	w := doRequest(r, http.MethodPost, "/api/drivers/driverA/online", nil, "Bearer badtoken")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestDriverRoutes_Authorization(t *testing.T) {
	cases := []struct {
		name string
		uid  string
		role string
		path string
		want int
	}{
		{"no role", "driverA", "", "/api/drivers/driverA/online", http.StatusForbidden},
		{"other driver", "driverA", "driver", "/api/drivers/driverB/online", http.StatusForbidden},
		{"own id", "driverA", "driver", "/api/drivers/driverA/online", http.StatusOK},
		{"admin for anyone", "ops1", "admin", "/api/drivers/driverB/online", http.StatusOK},
		{"malformed id", "driverA", "driver", "/api/drivers/driver%20A/online", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestEnv(nil).buildTestRouter(makeVerifier(tc.uid, tc.role))
			w := doRequest(r, http.MethodPost, tc.path, nil, "Bearer sometoken")
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

// TestOffer_RequiresAdminRole checks that a driver cannot push offers to themselves.
func TestOffer_RequiresAdminRole(t *testing.T) {
	r := newTestEnv(nil).buildTestRouter(makeVerifier("driverA", "driver"))
	w := doRequest(r, http.MethodPost, "/api/drivers/driverA/offers", offerBody("o1"), "Bearer sometoken")
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestDeliveryFlow(t *testing.T) {
	env := newTestEnv(nil)
	admin := env.buildTestRouter(makeVerifier("ops1", "admin"))
	drv := env.buildTestRouter(makeVerifier("driverA", "driver"))
	auth := "Bearer sometoken"

	if w := doRequest(admin, http.MethodPost, "/api/drivers/driverA/offers", offerBody("o1"), auth); w.Code != http.StatusConflict {
		t.Fatalf("offer to offline driver: expected 409, got %d", w.Code)
	}
	if w := doRequest(drv, http.MethodPost, "/api/drivers/driverA/online", nil, auth); w.Code != http.StatusOK {
		t.Fatalf("online: %d", w.Code)
	}
	if w := doRequest(admin, http.MethodPost, "/api/drivers/driverA/offers", offerBody("o1"), auth); w.Code != http.StatusCreated {
		t.Fatalf("offer: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w := doRequest(drv, http.MethodPost, "/api/drivers/driverA/orders/o1/status", map[string]string{"status": "accepted"}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		Order struct {
			Status string `json:"status"`
		} `json:"order"`
		Applied bool `json:"applied"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Order.Status != "enroute" || !res.Applied {
		t.Fatalf("accept response = %s", w.Body.String())
	}

	w = doRequest(drv, http.MethodPost, "/api/drivers/driverA/orders/o1/status", map[string]string{"status": "picked_up"}, auth)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("pickup before arrival: expected 422, got %d", w.Code)
	}

	w = doRequest(drv, http.MethodPost, "/api/drivers/driverA/location", map[string]any{"latitude": 5.36, "longitude": -3.98, "timestamp": time.Now().UnixMilli()}, auth)
	if w.Code != http.StatusAccepted {
		t.Fatalf("location: expected 202, got %d", w.Code)
	}
	w = doRequest(drv, http.MethodPost, "/api/drivers/driverA/orders/o1/status", map[string]string{"status": "picked_up"}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("pickup after arrival: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(drv, http.MethodGet, "/api/drivers/driverA/orders", nil, auth)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"delivering"`)) {
		t.Fatalf("tracked orders: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(drv, http.MethodPost, "/api/drivers/driverA/orders/o1/status", map[string]string{"status": "accepted"}, auth)
	if w.Code != http.StatusConflict {
		t.Fatalf("backwards transition: expected 409, got %d", w.Code)
	}

	w = doRequest(admin, http.MethodPost, "/api/orders/o1/cancel", map[string]string{"reason": "customer unreachable"}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(drv, http.MethodGet, "/api/orders/o1", nil, auth)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"cancelled"`)) {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	if other := env.buildTestRouter(makeVerifier("driverB", "driver")); doRequest(other, http.MethodGet, "/api/orders/o1", nil, auth).Code != http.StatusForbidden {
		t.Fatal("another driver could read the order")
	}
}

func TestAccept_SuspendedDriver(t *testing.T) {
	env := newTestEnv(suspendedLedger{})
	admin := env.buildTestRouter(makeVerifier("ops1", "admin"))
	drv := env.buildTestRouter(makeVerifier("driverA", "driver"))
	auth := "Bearer sometoken"

	doRequest(drv, http.MethodPost, "/api/drivers/driverA/online", nil, auth)
	doRequest(admin, http.MethodPost, "/api/drivers/driverA/offers", offerBody("o1"), auth)
	w := doRequest(drv, http.MethodPost, "/api/drivers/driverA/orders/o1/status", map[string]string{"status": "accepted"}, auth)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	w = doRequest(drv, http.MethodPost, "/api/drivers/driverA/orders/o1/decline", map[string]string{"reason": "suspended"}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("decline: expected 200, got %d", w.Code)
	}
}

func TestTransition_BadInput(t *testing.T) {
	r := newTestEnv(nil).buildTestRouter(makeVerifier("driverA", "driver"))
	auth := "Bearer sometoken"
	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown status", "/api/drivers/driverA/orders/o1/status", map[string]string{"status": "flying"}, http.StatusBadRequest},
		{"unknown order", "/api/drivers/driverA/orders/o404/status", map[string]string{"status": "accepted"}, http.StatusNotFound},
		{"missing coordinates", "/api/drivers/driverA/location", map[string]any{"timestamp": 1}, http.StatusBadRequest},
		{"offline sample", "/api/drivers/driverA/location", map[string]any{"latitude": 5.3, "longitude": -4.0}, http.StatusConflict},
		{"out of range sample", "/api/drivers/driverA/location", map[string]any{"latitude": 95.0, "longitude": -4.0}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(r, http.MethodPost, tc.path, tc.body, auth)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestCommission_Balance(t *testing.T) {
	r := newTestEnv(nil).buildTestRouter(makeVerifier("driverA", "driver"))
	w := doRequest(r, http.MethodGet, "/api/commission/driverA/balance", nil, "Bearer sometoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Balance        int64  `json:"balance"`
		MinimumBalance int64  `json:"minimum_balance"`
		CommissionRate string `json:"commission_rate"`
		IsSuspended    bool   `json:"is_suspended"`
		Alert          string `json:"alert"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Balance != 2500 || body.MinimumBalance != 10000 || body.CommissionRate != "0.15" || body.IsSuspended || body.Alert != "low_balance" {
		t.Errorf("unexpected balance body %s", w.Body.String())
	}
}

func TestCommission_Routes(t *testing.T) {
	env := newTestEnv(nil)
	drv := env.buildTestRouter(makeVerifier("driverA", "driver"))
	admin := env.buildTestRouter(makeVerifier("ops1", "admin"))
	auth := "Bearer sometoken"

	cases := []struct {
		name   string
		r      *gin.Engine
		method string
		path   string
		body   any
		want   int
	}{
		{"recharge", drv, http.MethodPost, "/api/commission/driverA/recharge", map[string]any{"amount": 10000, "method": "orange_money"}, http.StatusCreated},
		{"recharge below minimum", drv, http.MethodPost, "/api/commission/driverA/recharge", map[string]any{"amount": 500}, http.StatusBadRequest},
		{"recharge for another driver", drv, http.MethodPost, "/api/commission/driverB/recharge", map[string]any{"amount": 10000}, http.StatusForbidden},
		{"transactions", drv, http.MethodGet, "/api/commission/driverA/transactions?limit=5", nil, http.StatusOK},
		{"transactions bad limit", drv, http.MethodGet, "/api/commission/driverA/transactions?limit=x", nil, http.StatusBadRequest},
		{"confirm needs admin", drv, http.MethodPost, "/api/commission/transactions/tx-1/confirm", nil, http.StatusForbidden},
		{"confirm", admin, http.MethodPost, "/api/commission/transactions/tx-1/confirm", nil, http.StatusOK},
		{"confirm unknown", admin, http.MethodPost, "/api/commission/transactions/tx-9/confirm", nil, http.StatusNotFound},
		{"fail settled", admin, http.MethodPost, "/api/commission/transactions/tx-1/fail", nil, http.StatusConflict},
		{"refund", admin, http.MethodPost, "/api/commission/driverA/refunds", map[string]any{"order_id": "o1"}, http.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(tc.r, tc.method, tc.path, tc.body, auth)
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
	if env.ledger.recharge.Method != "orange_money" || env.ledger.recharge.DriverID != "driverA" {
		t.Errorf("recharge command = %+v", env.ledger.recharge)
	}
}

func TestCommission_AccountNotFound(t *testing.T) {
	env := newTestEnv(nil)
	env.ledger.err = commission.ErrAccountNotFound
	r := env.buildTestRouter(makeVerifier("driverA", "driver"))
	w := doRequest(r, http.MethodGet, "/api/commission/driverA/balance", nil, "Bearer sometoken")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRoutePlan(t *testing.T) {
	r := newTestEnv(nil).buildTestRouter(makeVerifier("driverA", "driver"))
	w := doRequest(r, http.MethodPost, "/api/routes/plan", map[string]any{
		"origin":      map[string]float64{"latitude": 5.30, "longitude": -4.00},
		"destination": map[string]float64{"latitude": 5.31, "longitude": -4.00},
	}, "Bearer sometoken")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"fallback":true`)) {
		t.Fatalf("plan: %d %s", w.Code, w.Body.String())
	}
	w = doRequest(r, http.MethodPost, "/api/routes/plan", map[string]any{
		"origin":      map[string]float64{"latitude": 95, "longitude": 0},
		"destination": map[string]float64{"latitude": 5.31, "longitude": -4.00},
	}, "Bearer sometoken")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid origin: expected 400, got %d", w.Code)
	}
}
