package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	bearerPrefix        = "bearer "
	bearerSubprotocol   = "bearer"
	accessTokenQueryKey = "access_token"
)

var errCredentialMissing = errors.New("credential missing")

// Verifier turns a raw bearer credential into an identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Authenticator extracts the bearer credential from a websocket handshake
// and verifies it.
type Authenticator struct {
	verifier   Verifier
	allowQuery bool
}

// NewAuthenticator constructs an Authenticator. Query string tokens are
// accepted only when allowQuery is set since they end up in access logs.
func NewAuthenticator(verifier Verifier, allowQuery bool) *Authenticator {
	return &Authenticator{verifier: verifier, allowQuery: allowQuery}
}

// Authenticate returns the identity behind the handshake request. Any
// failure wraps ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if a == nil || a.verifier == nil {
		return Identity{}, fmt.Errorf("%w: no verifier configured", ErrUnauthorized)
	}
	token, err := ExtractCredential(r, a.allowQuery)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	identity, err := a.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return identity, nil
}

// ExtractCredential looks for a bearer token in the Authorization header,
// then in a Sec-WebSocket-Protocol offer of "bearer, <token>", then in the
// access_token query parameter when allowQuery is set.
func ExtractCredential(r *http.Request, allowQuery bool) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			return "", errors.New("invalid authorization header format")
		}
		if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
			return token, nil
		}
		return "", errors.New("empty bearer token")
	}
	if token := subprotocolToken(r); token != "" {
		return token, nil
	}
	if allowQuery {
		if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryKey)); token != "" {
			return token, nil
		}
	}
	return "", errCredentialMissing
}

func subprotocolToken(r *http.Request) string {
	var offered []string
	for _, value := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				offered = append(offered, trimmed)
			}
		}
	}
	for i, protocol := range offered {
		if strings.EqualFold(protocol, bearerSubprotocol) && i+1 < len(offered) {
			return offered[i+1]
		}
	}
	return ""
}
