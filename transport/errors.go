package transport

import (
	"errors"
	"fmt"
)

var (
	ErrTokenReused      = errors.New("transport: token is already in use")
	ErrSizeOverrun      = errors.New("transport: receive buffer is smaller than the sent size")
	ErrUnknownToken     = errors.New("transport: no transfer for token")
	ErrMachineMismatch  = errors.New("transport: transfer endpoints disagree")
	ErrUnexpectedMsg    = errors.New("transport: unexpected message")
	ErrCommNetFault     = errors.New("transport: communication network fault")
	ErrUnknownMemory    = errors.New("transport: unknown memory handle")
	ErrMalformedMsg     = errors.New("transport: malformed message")
	ErrUnknownMachine   = errors.New("transport: unknown machine")
	ErrInvalidMachineID = errors.New("transport: machine ids must not be negative")
)

func violation(sentinel error, format string, args ...any) {
	panic(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}
