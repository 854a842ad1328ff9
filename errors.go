package paychan

import "github.com/go-errors/errors"

// ErrorCode is the closed set of wire-visible error codes carried by an
// Error message. Keep in sync with (ErrorCode).String below.
type ErrorCode uint8

const (
	ErrTimeout ErrorCode = iota
	ErrSyntaxError
	ErrNoAcceptableVersion
	ErrBadTransaction
	ErrTimeWindowUnacceptable
	ErrChannelValueTooLarge
	ErrMinPaymentTooLarge
	ErrOther
)

func (c ErrorCode) String() string {
	switch c {
	case ErrTimeout:
		return "TIMEOUT"
	case ErrSyntaxError:
		return "SYNTAX_ERROR"
	case ErrNoAcceptableVersion:
		return "NO_ACCEPTABLE_VERSION"
	case ErrBadTransaction:
		return "BAD_TRANSACTION"
	case ErrTimeWindowUnacceptable:
		return "TIME_WINDOW_UNACCEPTABLE"
	case ErrChannelValueTooLarge:
		return "CHANNEL_VALUE_TOO_LARGE"
	case ErrMinPaymentTooLarge:
		return "MIN_PAYMENT_TOO_LARGE"
	default:
		return "OTHER"
	}
}

// Kind is the internal error taxonomy. A Kind is richer than the
// wire ErrorCode it maps to: several kinds (e.g. KindBadSignature and
// KindBadTransaction) both surface on the wire as ErrBadTransaction.
type Kind uint8

const (
	KindProtocolViolation Kind = iota
	KindBadSignature
	KindBadTransaction
	KindValueOutOfRange
	KindTimeWindowUnacceptable
	KindNoAcceptableVersion
	KindChannelValueTooLarge
	KindMinPaymentTooLarge
	KindServerRequestedTooMuchValue
	KindKeyIsEncrypted
	KindChannelClosedOrUninitialized
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case KindBadSignature:
		return "BAD_SIGNATURE"
	case KindBadTransaction:
		return "BAD_TRANSACTION"
	case KindValueOutOfRange:
		return "VALUE_OUT_OF_RANGE"
	case KindTimeWindowUnacceptable:
		return "TIME_WINDOW_UNACCEPTABLE"
	case KindNoAcceptableVersion:
		return "NO_ACCEPTABLE_VERSION"
	case KindChannelValueTooLarge:
		return "CHANNEL_VALUE_TOO_LARGE"
	case KindMinPaymentTooLarge:
		return "MIN_PAYMENT_TOO_LARGE"
	case KindServerRequestedTooMuchValue:
		return "SERVER_REQUESTED_TOO_MUCH_VALUE"
	case KindKeyIsEncrypted:
		return "KEY_IS_ENCRYPTED"
	case KindChannelClosedOrUninitialized:
		return "CHANNEL_CLOSED_OR_UNINITIALIZED"
	default:
		return "UNKNOWN"
	}
}

// WireCode maps a Kind onto the closed wire ErrorCode enum it should be
// reported as to the remote peer.
func (k Kind) WireCode() ErrorCode {
	switch k {
	case KindTimeWindowUnacceptable:
		return ErrTimeWindowUnacceptable
	case KindNoAcceptableVersion:
		return ErrNoAcceptableVersion
	case KindChannelValueTooLarge:
		return ErrChannelValueTooLarge
	case KindMinPaymentTooLarge:
		return ErrMinPaymentTooLarge
	case KindBadSignature, KindBadTransaction:
		return ErrBadTransaction
	default:
		return ErrOther
	}
}

// ProtocolError is the internal error type produced by the state machines.
// It carries the taxonomy Kind, an optional "missing" shortfall value
// used by the CHANNEL_VALUE_TOO_LARGE/MIN_PAYMENT_TOO_LARGE codes, and an
// underlying *errors.Error for stack-trace-carrying diagnostics.
type ProtocolError struct {
	Kind    Kind
	Missing int64
	err     *errors.Error
}

func (e *ProtocolError) Error() string {
	if e.err != nil {
		return e.Kind.String() + ": " + e.err.Error()
	}
	return e.Kind.String()
}

// Unwrap supports errors.Is/errors.As against the wrapped stack-trace error.
func (e *ProtocolError) Unwrap() error {
	if e.err == nil {
		return nil
	}
	return e.err
}

func newProtoErr(kind Kind, msg string) *ProtocolError {
	return &ProtocolError{Kind: kind, err: errors.New(msg)}
}

func newProtoErrf(kind Kind, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, err: errors.Errorf(format, args...)}
}

func wrapProtoErr(kind Kind, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, err: errors.Wrap(err, 1)}
}

// ErrChannelBusy is returned by Settle and IncrementPayment when a
// payment update is already in flight.
var ErrChannelBusy = newProtoErr(KindChannelClosedOrUninitialized, "payment already in flight")

// ErrChannelNotOpen is returned by operations that require ChannelOpen
// state but find the channel in some other state.
var ErrChannelNotOpen = newProtoErr(KindChannelClosedOrUninitialized, "channel is not open")
