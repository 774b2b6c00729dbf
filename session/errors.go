package session

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState matches every *IllegalStateError
	ErrIllegalState = errors.New("session: illegal state")
	// ErrTransportClosed is the cause recorded when the channel was closed locally
	ErrTransportClosed = errors.New("session: transport closed")
	// ErrNoInteractions rejects an Invoke without interactions
	ErrNoInteractions = errors.New("session: no interactions to invoke")
	// ErrNoServerSession reports an open-session response without a session id
	ErrNoServerSession = errors.New("session: response carries no ServerSessionId")
)

// IllegalStateError reports an operation attempted in the wrong session
// state. It is caller misuse, not a protocol failure.
type IllegalStateError struct {
	Op    string
	State State
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("session: %s not allowed in state %s", e.Op, e.State)
}

func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// TransportError is a channel-level failure. The session that produced it
// is dead and should be discarded.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FilterFieldNotFoundError reports a column caption with no cached mapping.
type FilterFieldNotFoundError struct {
	FormID  string
	Caption string
}

func (e *FilterFieldNotFoundError) Error() string {
	return fmt.Sprintf("session: no filterable column %q on form %s", e.Caption, e.FormID)
}

// NoMetadataCachedError reports a filter lookup on a form whose metadata was
// never cached, which indicates a call-ordering bug.
type NoMetadataCachedError struct {
	FormID string
}

func (e *NoMetadataCachedError) Error() string {
	return fmt.Sprintf("session: no filter metadata cached for form %s", e.FormID)
}
