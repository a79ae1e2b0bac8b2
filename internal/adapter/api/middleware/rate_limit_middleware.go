package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"roomchat/internal/infrastructure/ratelimit"
	"roomchat/pkg/errors"
	"roomchat/pkg/logger"
	"roomchat/pkg/response"
)

// RateLimit throttles requests per caller for one action. Authenticated
// callers are keyed by user id, everyone else by client IP.
func RateLimit(limiter *ratelimit.RateLimiter, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if userID, ok := UserID(c); ok {
				key = "user:" + strconv.FormatInt(userID, 10)
			}

			allowed, wait := limiter.Allow(key, action)
			if !allowed {
				logger.Warn("RATE LIMIT: %s blocked for %s (retry in %v)", action, key, wait)
				return response.Error(c, errors.TooManyRequests("Rate limit exceeded", wait))
			}

			return next(c)
		}
	}
}
