package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrDeliveryFailure wraps transient store or bus failures. These are
	// recovered through the retry queue and never reach publishers.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrPermanentDeliveryFailure marks a retry record that exhausted its
	// attempts. It is only logged.
	ErrPermanentDeliveryFailure = errors.New("permanent delivery failure")
	// ErrInvalidPayload is returned by Publish for payloads that are not JSON.
	ErrInvalidPayload = errors.New("payload must be valid JSON")
	// ErrNotConnected is returned for room operations on a connection that is
	// not registered.
	ErrNotConnected = errors.New("connection is not registered")
)

// SubscriptionError reports a join or leave against an invalid entity
// reference. The connection stays open.
type SubscriptionError struct {
	EntityType string
	EntityID   string
	Reason     string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("invalid room %s:%s: %s", e.EntityType, e.EntityID, e.Reason)
}
