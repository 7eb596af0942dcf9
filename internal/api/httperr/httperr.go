// Package httperr renders broker errors as the API's {ok:false, error} JSON body.
package httperr

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/infi-control/gateway-broker/internal/broker"
	"github.com/infi-control/gateway-broker/internal/middleware"
)

// MsgInvalidJSON is returned when a request body is not a JSON object.
const MsgInvalidJSON = "Invalid JSON body"

// Status maps a broker error kind to its HTTP status.
func Status(kind broker.Kind) int {
	switch kind {
	case broker.KindBadRequest:
		return http.StatusBadRequest
	case broker.KindUnauthorized:
		return http.StatusUnauthorized
	case broker.KindForbidden:
		return http.StatusForbidden
	case broker.KindNotFound:
		return http.StatusNotFound
	case broker.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Abort writes err with the status of its kind and stops the handler chain.
// Internal errors are logged with their cause; the caller only sees the public message.
func Abort(c *gin.Context, err error) {
	kind := broker.KindOf(err)
	if kind == broker.KindInternal {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(),
			"request_id", middleware.RequestID(c),
			"error", err,
		)
	}
	AbortMessage(c, Status(kind), broker.PublicMessage(err))
}

// AbortMessage writes a fixed message with the given status.
func AbortMessage(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": message})
}

// BindJSON decodes the request body into dst. On failure it writes a 400 with
// MsgInvalidJSON and returns false.
func BindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		AbortMessage(c, http.StatusBadRequest, MsgInvalidJSON)
		return false
	}
	return true
}
