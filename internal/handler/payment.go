package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/service"
)

// maxWebhookBody bounds webhook payloads read into memory.
const maxWebhookBody = 64 << 10

// PaymentService is implemented by *service.Reconciler.
type PaymentService interface {
	CreateIntent(ctx context.Context, reservationID string, who service.Requester) (service.IntentResult, error)
	Refund(ctx context.Context, reservationID string, who service.Requester) (service.RefundResult, error)
	HandleEvent(ctx context.Context, payload []byte, signature string) (service.WebhookResult, error)
}

// PaymentHandler serves the payment routes.
type PaymentHandler struct {
	svc PaymentService
	log *zap.Logger
}

// NewPaymentHandler constructs a PaymentHandler and panics if svc is nil.
func NewPaymentHandler(svc PaymentService, log *zap.Logger) *PaymentHandler {
	if svc == nil {
		panic("nil service passed to NewPaymentHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentHandler{svc: svc, log: log}
}

type reservationRef struct {
	ReservationID string `json:"reservation_id"`
}

// CreateIntent handles POST /v1/payments/create-intent with body
// {"reservation_id": "..."}.  It returns the client secret needed to
// complete payment.
func (h *PaymentHandler) CreateIntent(c echo.Context) error {
	who, err := requester(c)
	if err != nil {
		return unauthorized(c)
	}
	var body reservationRef
	if err := c.Bind(&body); err != nil || body.ReservationID == "" {
		return badRequest(c, "reservation_id is required")
	}
	out, err := h.svc.CreateIntent(c.Request().Context(), body.ReservationID, who)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Refund handles POST /v1/payments/refund with body
// {"reservation_id": "..."}.
func (h *PaymentHandler) Refund(c echo.Context) error {
	who, err := requester(c)
	if err != nil {
		return unauthorized(c)
	}
	var body reservationRef
	if err := c.Bind(&body); err != nil || body.ReservationID == "" {
		return badRequest(c, "reservation_id is required")
	}
	out, err := h.svc.Refund(c.Request().Context(), body.ReservationID, who)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"refund_id":      out.RefundID,
		"amount":         out.Reservation.Amount,
		"status":         out.Status,
		"reservation_id": out.Reservation.ID,
		"payment_status": out.Reservation.PaymentStatus,
	})
}

// Webhook handles POST /v1/payments/webhook.  The raw body is verified
// against the Stripe-Signature header before anything in it is used.
// Every verified event is acknowledged with 200 so the gateway stops
// redelivering it.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	sig := c.Request().Header.Get("Stripe-Signature")
	if sig == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":     service.CodeInvalidSignature,
			"kind":      service.KindUnauthorized.String(),
			"message":   "Stripe-Signature header is required",
			"retryable": false,
		})
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
				"error":     "payload_too_large",
				"kind":      service.KindInvalidInput.String(),
				"message":   "webhook payload is too large",
				"retryable": false,
			})
		}
		return badRequest(c, "unreadable body")
	}
	out, err := h.svc.HandleEvent(c.Request().Context(), payload, sig)
	if err != nil {
		return writeError(c, h.log, err)
	}
	resp := echo.Map{"received": true, "type": out.Type, "success": true}
	if out.Handled {
		resp["success"] = out.Confirm.Matched
		if out.Confirm.Reservation != nil {
			resp["reservation_id"] = out.Confirm.Reservation.ID
		}
	}
	return c.JSON(http.StatusOK, resp)
}
