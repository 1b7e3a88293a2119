// Package apperrors defines the coordinator error taxonomy and its mapping
// onto gRPC status codes and HTTP responses.
package apperrors

import (
	"errors"

	"google.golang.org/grpc/codes"
)

var (
	// ErrTransientConflict indicates document transaction contention that
	// survived the automatic retry budget. Callers may retry.
	ErrTransientConflict = errors.New("transient conflict: retries exhausted")

	// ErrUnauthenticated indicates the request carried no valid identity
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrPermissionDenied indicates the caller is not authorized for the
	// tenant or operation
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument indicates bad input (unknown counter type,
	// malformed key, invalid operation)
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMigrationPrecondition indicates a version skip was attempted or a
	// migration is already in progress; no state was changed
	ErrMigrationPrecondition = errors.New("migration precondition failed")

	// ErrWriteBlocked indicates the write gate rejected a mutation: a
	// migration is in flight or the tenant schema version is outside the
	// caller's supported range
	ErrWriteBlocked = errors.New("writes blocked for tenant")

	// ErrNotFound indicates the referenced tenant or document does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create collided with an existing document
	ErrAlreadyExists = errors.New("already exists")

	// ErrDrainInProgress indicates a sync queue drain is already running;
	// the queue is single-flight per instance
	ErrDrainInProgress = errors.New("drain already in progress")
)

// Code maps an error to its canonical gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrTransientConflict):
		return codes.Aborted
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, ErrPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrMigrationPrecondition):
		return codes.FailedPrecondition
	case errors.Is(err, ErrWriteBlocked):
		return codes.FailedPrecondition
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrAlreadyExists):
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

// Retryable reports whether the caller may usefully retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientConflict)
}
