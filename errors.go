// Package formrpc is a client for the form-based WebSocket RPC protocol of a
// business application server.
//
// The protocol engine lives in the subpackages: wire decodes and validates
// response batches, controls walks form trees, session drives one protocol
// session and pool keeps a bounded set of sessions. This package maps their
// failures onto dispositions and gRPC statuses for callers that forward
// them.
package formrpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nggorpc/formrpc/pool"
	"github.com/nggorpc/formrpc/session"
	"github.com/nggorpc/formrpc/wire"
)

// Disposition tells a caller what to do with a failed operation.
type Disposition int

const (
	// Unknown errors are not produced by this module
	Unknown Disposition = iota
	// Retry the operation, possibly on another connection
	Retry
	// PageUnavailable means the server refused the page; show its message
	PageUnavailable
	// ConnectionDead means the session must be discarded
	ConnectionDead
	// CallerError is misuse: wrong state, unknown field, missing metadata
	CallerError
)

func (d Disposition) String() string {
	switch d {
	case Retry:
		return "retry"
	case PageUnavailable:
		return "page-unavailable"
	case ConnectionDead:
		return "connection-dead"
	case CallerError:
		return "caller-error"
	default:
		return "unknown"
	}
}

// Classify returns the disposition of an error returned by this module.
func Classify(err error) Disposition {
	var (
		transportErr *session.TransportError
		decompErr    *wire.DecompressionError
		invalidErr   *wire.InvalidResponseError
		rpcErr       *wire.RPCError
		unavailErr   *wire.FormUnavailableError
		fieldErr     *session.FilterFieldNotFoundError
		metaErr      *session.NoMetadataCachedError
		connErr      *pool.ConnectionError
	)
	switch {
	case err == nil:
		return Unknown
	case errors.As(err, &unavailErr):
		return PageUnavailable
	case errors.As(err, &transportErr):
		return ConnectionDead
	case errors.Is(err, session.ErrIllegalState),
		errors.Is(err, session.ErrNoInteractions),
		errors.As(err, &fieldErr),
		errors.As(err, &metaErr):
		return CallerError
	case errors.As(err, &decompErr),
		errors.As(err, &invalidErr),
		errors.As(err, &rpcErr),
		errors.As(err, &connErr),
		errors.Is(err, pool.ErrAcquireTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return Retry
	default:
		return Unknown
	}
}

// Status converts an error returned by this module into a gRPC status.
// A nil error yields an OK status.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(Code(err), err.Error())
}

// Code returns the gRPC code for an error returned by this module.
func Code(err error) codes.Code {
	var (
		transportErr *session.TransportError
		decompErr    *wire.DecompressionError
		invalidErr   *wire.InvalidResponseError
		rpcErr       *wire.RPCError
		unavailErr   *wire.FormUnavailableError
		fieldErr     *session.FilterFieldNotFoundError
		metaErr      *session.NoMetadataCachedError
		connErr      *pool.ConnectionError
	)
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pool.ErrAcquireTimeout):
		return codes.DeadlineExceeded
	case errors.As(err, &unavailErr):
		return codes.FailedPrecondition
	case errors.As(err, &transportErr), errors.As(err, &connErr), errors.Is(err, pool.ErrPoolShuttingDown):
		return codes.Unavailable
	case errors.As(err, &decompErr), errors.As(err, &invalidErr):
		return codes.DataLoss
	case errors.As(err, &rpcErr):
		return codes.Aborted
	case errors.As(err, &fieldErr):
		return codes.NotFound
	case errors.Is(err, session.ErrIllegalState), errors.As(err, &metaErr):
		return codes.FailedPrecondition
	case errors.Is(err, session.ErrNoInteractions):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}
