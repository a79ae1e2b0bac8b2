package jwtauth

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"roomchat/pkg/errors"
)

var ErrInvalidUserClaim = stderrors.New("user claim is missing or not a positive integer")

// Verifier checks HMAC-signed access tokens issued by the marketplace's auth
// service and extracts the numeric user id.
type Verifier struct {
	secret []byte
	claim  string
}

func NewVerifier(secret, claim string) *Verifier {
	if claim == "" {
		claim = "id"
	}
	return &Verifier{
		secret: []byte(secret),
		claim:  claim,
	}
}

func (v *Verifier) VerifyToken(_ context.Context, token string) (int64, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, errors.Unauthorized("Invalid or expired token", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return 0, errors.Unauthorized("Invalid or expired token", nil)
	}

	userID, err := UserIDFromClaim(claims[v.claim])
	if err != nil {
		return 0, errors.Unauthorized("Token does not identify a user", err)
	}
	return userID, nil
}

// UserIDFromClaim accepts the shapes a numeric id takes after JSON decoding.
func UserIDFromClaim(value interface{}) (int64, error) {
	var id int64

	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, ErrInvalidUserClaim
		}
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, ErrInvalidUserClaim
		}
		id = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, ErrInvalidUserClaim
		}
		id = n
	default:
		return 0, ErrInvalidUserClaim
	}

	if id <= 0 {
		return 0, ErrInvalidUserClaim
	}
	return id, nil
}
