package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrAcquireTimeout is returned when no connection became available
	// within the acquire timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timeout")
	// ErrPoolShuttingDown rejects acquires during and after Shutdown.
	ErrPoolShuttingDown = errors.New("pool: shutting down")
)

// ConnectionError reports that no healthy connection could be obtained
// within the attempt cap.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pool: no healthy connection after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// errUnhealthy is the attempt failure recorded for a connection that failed
// its health check
var errUnhealthy = errors.New("connection failed health check")
