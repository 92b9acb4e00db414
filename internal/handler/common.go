package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

// errUnauthenticated is returned when no identity was stored by JWTAuth.
var errUnauthenticated = errors.New("invalid user_id in context")

// getUserID extracts the user_id stored by JWTAuth.
func getUserID(c echo.Context) (string, error) {
	if v, ok := c.Get("user_id").(string); ok && v != "" {
		return v, nil
	}
	return "", errUnauthenticated
}

// requester builds the service-level identity of the caller.
func requester(c echo.Context) (service.Requester, error) {
	id, err := getUserID(c)
	if err != nil {
		return service.Requester{}, err
	}
	role, _ := c.Get("role").(string)
	return service.Requester{UserID: id, Role: model.Role(role)}, nil
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{
		"error":     service.CodeInvalidInput,
		"kind":      service.KindInvalidInput.String(),
		"message":   msg,
		"retryable": false,
	})
}

// codes answered with 400 like the other request validation failures
var badRequestCodes = map[string]bool{
	service.CodeInvalidPaymentMethod:  true,
	service.CodeAlreadyPaid:           true,
	service.CodeNotPayable:            true,
	service.CodeNotPaid:               true,
	service.CodePaymentIntentNotFound: true,
	service.CodeInvalidSignature:      true,
}

// statusFor maps a service error onto an HTTP status.
func statusFor(se *service.Error) int {
	switch {
	case se.Code == service.CodeSlotBusy:
		return http.StatusServiceUnavailable
	case badRequestCodes[se.Code]:
		return http.StatusBadRequest
	}
	switch se.Kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInvalidInput:
		return http.StatusBadRequest
	case service.KindInvalidState, service.KindCapacityExceeded:
		return http.StatusConflict
	case service.KindUnauthorized:
		return http.StatusForbidden
	case service.KindGatewayRejected:
		return http.StatusPaymentRequired
	case service.KindGatewayUnknown:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err as the JSON error body.  Causes are logged and
// never serialized.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	var se *service.Error
	if !errors.As(err, &se) {
		log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":     "internal_error",
			"kind":      "internal",
			"message":   "internal server error",
			"retryable": false,
		})
	}
	status := statusFor(se)
	if se.Retryable && (status == http.StatusServiceUnavailable || status == http.StatusConflict) {
		c.Response().Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", zap.String("path", c.Path()), zap.String("code", se.Code), zap.Error(err))
	}
	return c.JSON(status, echo.Map{
		"error":     se.Code,
		"kind":      se.Kind.String(),
		"message":   se.Message,
		"retryable": se.Retryable,
	})
}

// page reads limit and offset query parameters.
func page(c echo.Context) (service.Page, bool) {
	var p service.Page
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return p, false
		}
		p.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, false
		}
		p.Offset = n
	}
	return p, true
}
