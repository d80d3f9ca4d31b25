package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// Transport-level classifications. Transports wrap one of these so the
// resolver can pick the retry policy with errors.Is.
var (
	// ErrUnauthorized means the token was rejected (401/403).
	ErrUnauthorized = eris.New("lookup: unauthorized")
	// ErrNotFound means the service has no result for the barcode.
	ErrNotFound = eris.New("lookup: no results")
	// ErrTransient covers network errors, timeouts, 408/429/5xx.
	ErrTransient = eris.New("lookup: transient failure")
	// ErrRejected covers any other non-2xx response.
	ErrRejected = eris.New("lookup: request rejected")
)

// Resolver-level errors.
var (
	// ErrLookupFailed is matched by every final resolve failure.
	ErrLookupFailed = eris.New("lookup failed")
	// ErrNoTransport is returned when no lookup transport is configured.
	ErrNoTransport = eris.New("lookup transport unavailable")
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = eris.New("lookup circuit breaker is open")
)

// LookupError is the final failure of a resolve. Kind tells observers which
// branch of the retry policy gave up.
type LookupError struct {
	Barcode  string
	Kind     types.ErrorKind
	Attempts int
	Err      error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s failed after %d attempt(s) [%s]: %v", e.Barcode, e.Attempts, e.Kind, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Is makes every LookupError match ErrLookupFailed.
func (e *LookupError) Is(target error) bool {
	return target == ErrLookupFailed
}

// KindOf returns the error kind carried by err. A bare deadline from the
// caller counts as transient; anything else that is not a LookupError is
// KindLookupFailed.
func KindOf(err error) types.ErrorKind {
	var le *LookupError
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindLookupTransient
	}
	return types.KindLookupFailed
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
