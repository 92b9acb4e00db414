// Package router registers the HTTP routes of the reservation API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/restaurant-reservation/internal/handler"
)

// Deps carries everything the route table needs.  Cache and RateLimit may
// be pass-through middleware when Redis is not configured.
type Deps struct {
	JWTSecret    string
	DB           handler.Pinger
	Public       *handler.PublicHandler
	Reservations *handler.ReservationHandler
	Payments     *handler.PaymentHandler
	Cache        echo.MiddlewareFunc
	RateLimit    echo.MiddlewareFunc
}

// Register mounts every route on e.
func Register(e *echo.Echo, d Deps) {
	RegisterHealth(e, d.DB)
	RegisterPublic(e, d.Public, d.Cache, d.RateLimit)
	RegisterCustomer(e, d.Reservations, d.Payments, d.JWTSecret)
	RegisterStore(e, d.Reservations, d.Payments, d.JWTSecret)
	RegisterWebhook(e, d.Payments, d.RateLimit)
}

// RegisterHealth exposes liveness and readiness checks.
func RegisterHealth(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
}

// RegisterPublic registers unauthenticated restaurant lookups.  Restaurant
// details are cached; availability never is, since it moves with every
// admission.
func RegisterPublic(e *echo.Echo, p *handler.PublicHandler, cache, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/restaurants", orPass(limit))
	g.GET("/:id", p.GetRestaurant, orPass(cache))
	g.GET("/:id/availability", p.Availability)
}

// RegisterWebhook registers the gateway notification endpoint.  It is
// public: authenticity comes from the Stripe-Signature header, checked in
// the handler.  /v1/payments/confirm is kept as an alias for gateways
// configured against the older path.
func RegisterWebhook(e *echo.Echo, h *handler.PaymentHandler, limit echo.MiddlewareFunc) {
	e.POST("/v1/payments/webhook", h.Webhook, orPass(limit))
	e.POST("/v1/payments/confirm", h.Webhook, orPass(limit))
}

func orPass(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	if mw == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return mw
}
