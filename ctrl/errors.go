package ctrl

import (
	"errors"
	"fmt"
)

var (
	ErrAddrMismatch         = errors.New("ctrl: server address differs from the first registered one")
	ErrBarrierCountMismatch = errors.New("ctrl: barrier participant count mismatch")
	ErrBarrierInvalidCount  = errors.New("ctrl: barrier participant count must be positive")
	ErrLatchNotInProgress   = errors.New("ctrl: latch is not in progress")
	ErrLatchUnknown         = errors.New("ctrl: latch was never acquired")
	ErrKeyExists            = errors.New("ctrl: key was already pushed")
	ErrKeyMissing           = errors.New("ctrl: key does not exist")
	ErrPullsPending         = errors.New("ctrl: pulls are still pending")
	ErrCounterMissing       = errors.New("ctrl: counter does not exist")

	ErrUnknownMethod = errors.New("ctrl: unknown method")
	ErrServerClosed  = errors.New("ctrl: server closed")
	ErrMalformedCall = errors.New("ctrl: malformed call")
)

// violation aborts the dispatch loop. The service has no way to recover from
// a broken invariant in a closed set of cooperating callers.
func violation(sentinel error, format string, args ...any) {
	panic(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}
