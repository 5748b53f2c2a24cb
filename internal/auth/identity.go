package auth

import "errors"

// ErrUnauthorized is returned when a handshake credential is missing,
// malformed, expired or signed with the wrong key.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified principal behind a connection.
type Identity struct {
	UserID string
	Role   string
}
