package httputil

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// WriteError standardizes JSON error responses.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	return WriteTracedError(c, status, msg, "")
}

// WriteTracedError includes the correlation id tying the response to its
// audit entry so failures are traceable without exposing internals.
func WriteTracedError(c *fiber.Ctx, status int, msg, correlationID string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	body := fiber.Map{"error": msg}
	if correlationID != "" {
		body["correlation_id"] = correlationID
	}
	return c.Status(status).JSON(body)
}
