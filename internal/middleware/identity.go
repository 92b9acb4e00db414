package middleware

import "github.com/labstack/echo/v4"

// userID returns the caller stored by JWTAuth, or "anon" on public routes.
func userID(c echo.Context) string {
	if s, ok := c.Get("user_id").(string); ok && s != "" {
		return s
	}
	return "anon"
}
