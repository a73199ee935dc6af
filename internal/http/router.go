// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"coursier/internal/http/handlers"
	"coursier/internal/http/middleware"
	"coursier/internal/infra"
	"coursier/internal/metrics"
	"coursier/internal/modules/driver"
	"coursier/internal/modules/order"
	"coursier/internal/transport"
)

type RouterDeps struct {
	Verifier   infra.TokenVerifier
	Orders     *order.Service
	Sessions   *driver.Registry
	Commission handlers.Ledger
	Routes     handlers.Planner
	Hub        *transport.Hub
	Metrics    *metrics.Engine
	Logger     *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger, deps.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api", middleware.Auth(deps.Verifier), middleware.RequireRole(infra.RoleDriver, infra.RoleAdmin))

	driverHandler := handlers.NewDriverHandler(deps.Sessions)
	api.POST("/drivers/:id/online", driverHandler.Online)
	api.POST("/drivers/:id/offline", driverHandler.Offline)
	api.POST("/drivers/:id/location", driverHandler.Location)
	api.GET("/drivers/:id/orders", driverHandler.Orders)
	api.POST("/drivers/:id/offers", driverHandler.Offer)
	api.POST("/drivers/:id/orders/:orderID/status", driverHandler.Transition)
	api.POST("/drivers/:id/orders/:orderID/decline", driverHandler.Decline)
	api.POST("/drivers/:id/orders/:orderID/arrival", driverHandler.Arrival)

	orderHandler := handlers.NewOrderHandler(deps.Orders, deps.Sessions)
	api.GET("/orders/:id", orderHandler.Get)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)

	commissionHandler := handlers.NewCommissionHandler(deps.Commission)
	api.GET("/commission/:driverID/balance", commissionHandler.Balance)
	api.GET("/commission/:driverID/transactions", commissionHandler.Transactions)
	api.POST("/commission/:driverID/recharge", commissionHandler.Recharge)
	api.POST("/commission/:driverID/refunds", commissionHandler.Refund)
	api.POST("/commission/transactions/:txID/confirm", commissionHandler.Confirm)
	api.POST("/commission/transactions/:txID/fail", commissionHandler.Fail)

	routeHandler := handlers.NewRouteHandler(deps.Routes)
	api.POST("/routes/plan", routeHandler.Plan)

	wsHandler := handlers.NewWSHandler(deps.Hub, deps.Sessions, deps.Orders)
	ws := r.Group("/ws", middleware.Auth(deps.Verifier))
	ws.GET("/driver/:id", wsHandler.Driver)
	ws.GET("/orders/:id", wsHandler.Watch)

	return r
}
