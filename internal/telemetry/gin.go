package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/victornm/trivia/internal/errors"
)

// GinLogger logs every HTTP request once it is served.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		slog.Log(c.Request.Context(), level, "http: served request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// GinRecovery turns a handler panic into a 500 response, leaving other requests unaffected.
func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, p any) {
		slog.ErrorContext(c.Request.Context(), "http: handler panic",
			"path", c.Request.URL.Path,
			"error", fmt.Errorf("%v, stack: %s", p, debug.Stack()),
		)

		e := errors.New(errors.CodeInternal, errors.WithMessagef("internal error"))
		c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
	})
}
