package mqtt

import "errors"

// Sentinel errors, checked with errors.Is. Operation errors wrap the
// broker's own error after the sentinel.
var (
	// ErrNotConnected is returned while the broker is unreachable. The
	// platform treats it as transient: subscriptions are restored on
	// reconnect, and item commands fail until then.
	ErrNotConnected = errors.New("mqtt: client not connected")

	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrTimeout is wrapped by the operation errors when the broker does
	// not acknowledge in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
