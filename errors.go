package rendezvous

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg     = errors.New("node: invalid options")
	ErrJoinCluster    = errors.New("node: could not join cluster")
	ErrNodeClosed     = errors.New("node: closed")
	ErrNoCtrl         = errors.New("node: either host the coordination service or give its address")
	ErrUnknownMachine = errors.New("directory: unknown machine")
	ErrInvalidMeta    = errors.New("directory: invalid member metadata")

	ErrBufferSize        = errors.New("network: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("network: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("network: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("network: UDP listener not available")
	ErrShutdown          = errors.New("network: shutting down")
	ErrStreamWrite       = errors.New("network: error writing to a stream")
	ErrStreamRead        = errors.New("network: error reading from a stream")
	ErrProtocolViolation = errors.New("network: protocol violation")
	ErrNoTLSConfig       = errors.New("network: TlsConfig is required")
	ErrRemoteRejected    = errors.New("network: remote rejected the stream")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamUnavailable       = quic.StreamErrorCode(0x1)
	QErrStreamUnknownMemory     = quic.StreamErrorCode(0x2)
	QErrStreamCtrlFailed        = quic.StreamErrorCode(0x3)
	QErrStreamCancelled         = quic.StreamErrorCode(0x4)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// streamRejection turns a stream reset by the remote into an error telling
// why it refused to serve us.
func streamRejection(err error) error {
	var serr *quic.StreamError
	if !errors.As(err, &serr) || !serr.Remote {
		return err
	}

	switch serr.ErrorCode {
	case QErrStreamProtocolViolation:
		return fmt.Errorf("%w: protocol violation: %w", ErrRemoteRejected, err)
	case QErrStreamUnavailable:
		return fmt.Errorf("%w: service unavailable: %w", ErrRemoteRejected, err)
	case QErrStreamUnknownMemory:
		return fmt.Errorf("%w: unknown memory region: %w", ErrRemoteRejected, err)
	case QErrStreamCtrlFailed:
		return fmt.Errorf("%w: coordination call failed: %w", ErrRemoteRejected, err)
	default:
		return fmt.Errorf("%w: %w", ErrRemoteRejected, err)
	}
}
