// README: Route planning handler.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"coursier/internal/modules/route"
	"coursier/internal/types"
)

type Planner interface {
	Plan(ctx context.Context, origin, destination types.Point) (*route.Route, error)
}

type RouteHandler struct {
	routes Planner
}

func NewRouteHandler(routes Planner) *RouteHandler {
	return &RouteHandler{routes: routes}
}

type planReq struct {
	Origin      types.Point `json:"origin"`
	Destination types.Point `json:"destination"`
}

// Plan returns the simplified route between two points; when the provider
// is down it is a straight line flagged as a fallback.
func (h *RouteHandler) Plan(c *gin.Context) {
	var req planReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r, err := h.routes.Plan(c.Request.Context(), req.Origin, req.Destination)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, r)
}
