package netslime

import (
	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime/internal/bitmask"
)

// Errors surfaced to API callers. Anything caused by untrusted network input
// is dropped inside the host and never shows up here; these report local
// misuse or unrecoverable failures.
var (
	// ErrTransportFatal reports an unrecoverable socket failure. Every
	// connection on that transport is terminated.
	ErrTransportFatal = errors.New("transport fatal")

	// ErrDegraded reports a reliable channel that exhausted its retries.
	ErrDegraded = errors.New("channel degraded")

	// ErrEncodingOverflow and ErrBufferUnderrun come from the bit codec and
	// indicate a schema mismatch or a bug.
	ErrEncodingOverflow = bitmask.ErrEncodingOverflow
	ErrBufferUnderrun   = bitmask.ErrBufferUnderrun

	ErrInvalidSchema      = errors.New("invalid schema")
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrUnknownObject      = errors.New("unknown object")
	ErrUnknownField       = errors.New("unknown field")
	ErrObjectExists       = errors.New("object already registered")
	ErrNotAuthoritative   = errors.New("host is not authoritative")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNotEstablished     = errors.New("connection not established")
	ErrWindowFull         = errors.New("reliable send window full")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrTooManyConnections = errors.New("too many connections")
	ErrHostClosed         = errors.New("host closed")
	ErrUnknownSession     = errors.New("unknown session")
)
