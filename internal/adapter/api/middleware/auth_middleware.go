package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"roomchat/pkg/errors"
	"roomchat/pkg/response"
)

const userIDKey = "uid"

// TokenVerifier turns a bearer token into the numeric id of its user.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (int64, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
	}
}

func (m *AuthMiddleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := bearerToken(c.Request().Header.Get("Authorization"))
		if err != nil {
			return response.Error(c, err)
		}
		return m.verify(c, token, next)
	}
}

// AuthenticateSocket also accepts the token as a query parameter, since
// browsers cannot set headers on a websocket handshake.
func (m *AuthMiddleware) AuthenticateSocket(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.QueryParam("token")
		if token == "" {
			var err error
			token, err = bearerToken(c.Request().Header.Get("Authorization"))
			if err != nil {
				return response.Error(c, err)
			}
		}
		return m.verify(c, token, next)
	}
}

func (m *AuthMiddleware) verify(c echo.Context, token string, next echo.HandlerFunc) error {
	userID, err := m.verifier.VerifyToken(c.Request().Context(), token)
	if err != nil {
		return response.Error(c, errors.As(err, errors.Unauthorized, "Invalid or expired token"))
	}

	c.Set(userIDKey, userID)
	return next(c)
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.Unauthorized("Authorization header is required", nil)
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.Unauthorized("Invalid authorization format", nil)
	}
	return strings.TrimSpace(parts[1]), nil
}

// UserID returns the authenticated user set by Authenticate.
func UserID(c echo.Context) (int64, bool) {
	userID, ok := c.Get(userIDKey).(int64)
	return userID, ok && userID > 0
}
