// Package auth maps API keys presented as bearer tokens to merchants.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Principal struct {
	MerchantID string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// APIKeyAuthenticator resolves a bearer API key to the merchant it was issued to.
type APIKeyAuthenticator struct {
	keys []apiKey
}

type apiKey struct {
	key        []byte
	merchantID string
}

func NewAPIKeyAuthenticator(keys map[string]string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for key, merchantID := range keys {
		if key == "" || merchantID == "" {
			continue
		}
		a.keys = append(a.keys, apiKey{key: []byte(key), merchantID: merchantID})
	}
	return a
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Principal{}, err
	}
	presented := []byte(bearer)
	merchantID := ""
	// compare against every key so timing does not reveal which one matched
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(presented, k.key) == 1 {
			merchantID = k.merchantID
		}
	}
	if merchantID == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{MerchantID: merchantID}, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
