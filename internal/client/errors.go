package client

import (
	"errors"
	"strconv"
)

// FailureKind classifies why a connection or stream failed.
type FailureKind int

const (
	KindNone FailureKind = iota
	ResolutionFailure
	ConnectFailure
	TLSFailure
	ProtocolError
	IOFailure
	TimeoutFailure
	// ApplicationStatus is a completed exchange with a non-2xx/3xx status.
	// It is counted, never retried.
	ApplicationStatus
)

func (k FailureKind) String() string {
	switch k {
	case ResolutionFailure:
		return "ResolutionFailure"
	case ConnectFailure:
		return "ConnectFailure"
	case TLSFailure:
		return "TLSFailure"
	case ProtocolError:
		return "ProtocolError"
	case IOFailure:
		return "IOFailure"
	case TimeoutFailure:
		return "TimeoutFailure"
	case ApplicationStatus:
		return "ApplicationStatus"
	default:
		return "None"
	}
}

var (
	errConnectTimeout    = errorString("connect timed out")
	errActiveTimeout     = errorString("connection active timeout")
	errInactivityTimeout = errorString("connection inactivity timeout")
	errNoProtocol        = errorString("no supported application protocol negotiated")
	errPeerClosed        = errorString("connection closed by peer")

	// ErrStarted is returned by Connect on a client that already connected.
	ErrStarted = errorString("client already started")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// ClientError is a connection-level failure of one client.
type ClientError struct {
	Op       string
	ClientID uint64
	Kind     FailureKind
	Err      error
}

func (e *ClientError) Error() string {
	return "client " + strconv.FormatUint(e.ClientID, 10) + ": " + e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *ClientError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, KindNone if there is none.
func KindOf(err error) FailureKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}
