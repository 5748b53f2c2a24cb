package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// Slow-path bcrypt comparisons allowed per second across all callers.
const (
	producerCompareRate  = 5
	producerCompareBurst = 10
)

// ProducerKey verifies the shared key presented by server-side publishers.
// Only the bcrypt hash is kept in configuration. Once a key has matched, its
// SHA-256 digest is remembered and later requests are checked against the
// digest in constant time. Comparisons that miss the digest are rate limited
// so unknown keys cannot monopolise the CPU.
type ProducerKey struct {
	hash     []byte
	verified atomic.Pointer[[sha256.Size]byte]
	limiter  *rate.Limiter
}

// NewProducerKey wraps a bcrypt hash. An empty hash yields nil, which
// disables the producer endpoints.
func NewProducerKey(hash string) (*ProducerKey, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, errors.New("producer key hash is not a bcrypt hash")
	}
	return &ProducerKey{
		hash:    []byte(hash),
		limiter: rate.NewLimiter(producerCompareRate, producerCompareBurst),
	}, nil
}

// Verify reports whether key matches the configured hash.
func (p *ProducerKey) Verify(key string) bool {
	if p == nil || key == "" {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	if known := p.verified.Load(); known != nil {
		if subtle.ConstantTimeCompare(digest[:], known[:]) == 1 {
			return true
		}
	}
	if !p.limiter.Allow() {
		return false
	}
	if bcrypt.CompareHashAndPassword(p.hash, []byte(key)) != nil {
		return false
	}
	p.verified.Store(&digest)
	return true
}

// HashProducerKey returns the bcrypt hash to configure for key.
func HashProducerKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("producer key is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
