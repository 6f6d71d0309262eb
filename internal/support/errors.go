package support

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityUnresolved means the participant could not be identified;
	// the session stays in the error state and opens nothing
	ErrIdentityUnresolved = errors.New("identity unresolved")

	// ErrHistoryLoadFailed is logged when prior messages cannot be fetched.
	// Initialization continues with the welcome transcript.
	ErrHistoryLoadFailed = errors.New("history load failed")

	// ErrTransportDisconnected is logged while the channel reconnects
	ErrTransportDisconnected = errors.New("transport disconnected")

	// ErrPublishFailed is returned by Send when the channel rejects a message
	ErrPublishFailed = errors.New("publish failed")

	// ErrMalformedInbound is logged for frames without an identifiable sender
	ErrMalformedInbound = errors.New("malformed inbound frame")

	// ErrAlreadyInitialized is returned by a second Initialize without Teardown
	ErrAlreadyInitialized = errors.New("session already initialized")

	// ErrNotInitialized is returned by operations that need a participant
	ErrNotInitialized = errors.New("session not initialized")
)

// PublishError reports a message the channel did not accept. It matches
// both ErrPublishFailed and the transport cause under errors.Is.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Destination, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{ErrPublishFailed, e.Err}
}
