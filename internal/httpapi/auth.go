package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator is the auth collaborator: it turns a bearer token into a
// verified user identity. The rest of the service treats the identity as
// an opaque string.
type Authenticator interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// HMACAuthenticator verifies tokens of the form "<user-id>.<hex hmac>"
// signed with a shared secret.
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

func (a *HMACAuthenticator) Verify(_ context.Context, token string) (string, error) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", ErrUnauthorized
	}
	userID, sig := token[:idx], token[idx+1:]

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(userID))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// SignToken mints a token for user. Used by tests and local tooling.
func (a *HMACAuthenticator) SignToken(userID string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(userID))
	return userID + "." + hex.EncodeToString(mac.Sum(nil))
}

// DevAuthenticator accepts any non-empty token as the user identity.
// Local development only.
type DevAuthenticator struct{}

func (DevAuthenticator) Verify(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
