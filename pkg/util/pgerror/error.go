package pgerror

import (
	"errors"

	"github.com/jackc/pgerrcode"
)

// Kind classifies a failure for logging and metrics.
type Kind int

const (
	// KindProtocol covers malformed frames, bad lengths and invalid
	// format-code vectors.
	KindProtocol Kind = iota
	// KindUnsupported covers protocol features the proxy refuses
	// (COPY, FunctionCall, SSL upgrade, unknown data types).
	KindUnsupported
	// KindExecution covers errors raised by the downstream database.
	KindExecution
)

type errWithCode struct {
	cause error
	code  string
	kind  Kind
}

var _ error = (*errWithCode)(nil)

func (erc *errWithCode) Error() string { return erc.cause.Error() }

func (erc *errWithCode) Unwrap() error { return erc.cause }

// ErrWithCode decorates the error with a postgres error code
// that can be fetched by GetPGCode() below conditionally.
func ErrWithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &errWithCode{cause: err, code: code, kind: KindExecution}
}

// New creates an error with a code.
func New(code, msg string) error {
	return ErrWithCode(errors.New(msg), code)
}

// Protocol creates a protocol-violation error.
func Protocol(msg string) error {
	return &errWithCode{cause: errors.New(msg), code: pgerrcode.ProtocolViolation, kind: KindProtocol}
}

// Unsupported creates an error for a refused protocol feature.
func Unsupported(msg string) error {
	return &errWithCode{cause: errors.New(msg), code: pgerrcode.FeatureNotSupported, kind: KindUnsupported}
}

// Execution wraps a downstream database error, keeping its message verbatim.
func Execution(err error) error {
	if err == nil {
		return nil
	}
	return &errWithCode{cause: err, code: pgerrcode.InternalError, kind: KindExecution}
}

// GetPGCode retrieves the PostgreSQL SQLSTATE for an error if present.
// Errors without a code report XX000 (internal error).
func GetPGCode(err error) string {
	var erc *errWithCode
	if errors.As(err, &erc) {
		return erc.code
	}
	return pgerrcode.InternalError
}

// GetKind retrieves the error classification, defaulting to KindExecution.
func GetKind(err error) Kind {
	var erc *errWithCode
	if errors.As(err, &erc) {
		return erc.kind
	}
	return KindExecution
}

// KindLabel returns the metrics label for an error kind.
func KindLabel(k Kind) string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindUnsupported:
		return "unsupported"
	default:
		return "execution"
	}
}
