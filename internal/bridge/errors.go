package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotConnected means the session is gone; the caller must fail
	// the current operation, not retry.
	ErrDeviceNotConnected = errors.New("device not connected")

	// ErrCapabilityMissing means the session never advertised the
	// capability this request kind needs.
	ErrCapabilityMissing = errors.New("capability missing")

	// ErrRequestTimeout means the bridge gave up waiting. The client may
	// still be executing; expiry does not cancel the remote side.
	ErrRequestTimeout = errors.New("bridge request timeout")
)

// ClientError wraps an error reported by the client in a response frame.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: %s", e.Message)
}
