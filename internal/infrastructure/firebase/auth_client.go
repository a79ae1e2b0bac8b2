package firebase

import (
	"context"
	"strconv"

	"firebase.google.com/go/v4/auth"

	"roomchat/internal/infrastructure/jwtauth"
	"roomchat/pkg/errors"
)

// FirebaseAuthClient verifies Firebase ID tokens. The marketplace stores its
// numeric user id in a custom claim; when the claim is absent the Firebase UID
// itself must be numeric.
type FirebaseAuthClient struct {
	client *auth.Client
	claim  string
}

func NewFirebaseAuthClient(client *auth.Client, claim string) *FirebaseAuthClient {
	if claim == "" {
		claim = "id"
	}
	return &FirebaseAuthClient{
		client: client,
		claim:  claim,
	}
}

func (f *FirebaseAuthClient) VerifyToken(ctx context.Context, token string) (int64, error) {
	result, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return 0, errors.Unauthorized("Invalid or expired token", err)
	}

	if value, ok := result.Claims[f.claim]; ok {
		userID, err := jwtauth.UserIDFromClaim(value)
		if err != nil {
			return 0, errors.Unauthorized("Token does not identify a user", err)
		}
		return userID, nil
	}

	userID, err := strconv.ParseInt(result.UID, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errors.Unauthorized("Token does not identify a user", err)
	}
	return userID, nil
}

func (f *FirebaseAuthClient) TestConnection(ctx context.Context) error {
	_, err := f.client.GetUsers(ctx, []auth.UserIdentifier{auth.UIDIdentifier{UID: "healthcheck"}})
	return err
}
