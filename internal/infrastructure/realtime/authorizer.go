package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"roomchat/pkg/errors"
)

// Authorizer signs channel subscriptions. A signature binds one socket to one
// channel and has the form "<key>:<hex hmac-sha256(secret, socketID:channel)>".
type Authorizer struct {
	key    string
	secret []byte
}

func NewAuthorizer(key, secret string) *Authorizer {
	return &Authorizer{
		key:    key,
		secret: []byte(secret),
	}
}

// Authorize returns a subscription signature for userID, or a Forbidden error
// when the user may not listen on channel.
func (a *Authorizer) Authorize(userID int64, socketID, channel string) (string, error) {
	if socketID == "" {
		return "", errors.Validation("socket_id is required", nil)
	}

	ch, err := ParseChannel(channel)
	if err != nil {
		return "", errors.Validation("Unknown channel", err)
	}
	if !ch.Allows(userID) {
		return "", errors.Forbidden("Not allowed to subscribe to this channel", nil)
	}

	return a.key + ":" + a.sign(socketID, channel), nil
}

func (a *Authorizer) Verify(socketID, channel, auth string) bool {
	key, signature, found := strings.Cut(auth, ":")
	if !found || key != a.key {
		return false
	}

	expected := a.sign(socketID, channel)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (a *Authorizer) sign(socketID, channel string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(socketID + ":" + channel))
	return hex.EncodeToString(mac.Sum(nil))
}
