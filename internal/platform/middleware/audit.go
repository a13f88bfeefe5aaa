package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// Audit logs every API access and records authentication and authorization
// rejections (401/403) as security events. Domain decisions are audited by
// the services themselves.
func Audit(logger zerolog.Logger, sink audit.Sink) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)
			ctx := req.Context()

			logger.Info().
				Str("type", "api_access").
				Str("request_id", rid).
				Str("user_id", auth.UserIDFromContext(ctx)).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("resource", resourceOf(req.URL.Path)).
				Str("action", methodAction(req.Method)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Msg("access")

			if sink != nil && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
				evt := audit.New(actor.FromEcho(c), audit.CategorySecurity, audit.ActionAccessDenied, req.Method+" "+req.URL.Path)
				evt.Decision = "denied"
				evt.Reason = http.StatusText(status)
				evt = evt.With("status", strconv.Itoa(status)).With("remote_ip", c.RealIP())
				if recErr := sink.Record(ctx, evt); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", rid).Msg("failed to record access denial")
				}
			}
			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceOf returns the collection segment after the API root,
// e.g. /api/v1/units/123/discard -> units.
func resourceOf(path string) string {
	rest := strings.TrimPrefix(path, apiPrefix)
	seg, _, _ := strings.Cut(rest, "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}
