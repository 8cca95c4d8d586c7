package broadcast

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNotFound means the channel does not exist or cannot broadcast.
	ErrNotFound = errors.New("broadcast: channel not found")
	// ErrAuth means the platform rejected the credentials.
	ErrAuth = errors.New("broadcast: authentication rejected")
	// ErrTransport covers connection level failures.
	ErrTransport = errors.New("broadcast: transport failure")
	// ErrMalformed means the platform answered with something unparseable.
	ErrMalformed = errors.New("broadcast: malformed response")
)

// FailureKind classifies probe and connect errors.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
	FailureNotFound  FailureKind = "not_found"
	FailureAuth      FailureKind = "auth"
	FailureMalformed FailureKind = "malformed"
	FailureUnknown   FailureKind = "unknown"
)

// Permanent reports whether retrying cannot help until configuration changes.
func (k FailureKind) Permanent() bool { return k == FailureNotFound || k == FailureAuth }

// Classify maps an error to its FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var ne net.Error
	switch {
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrAuth):
		return FailureAuth
	case errors.Is(err, ErrMalformed):
		return FailureMalformed
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return FailureTimeout
	case errors.Is(err, ErrTransport), errors.As(err, &ne):
		return FailureTransport
	default:
		return FailureUnknown
	}
}
