// Package errors provides the error taxonomy shared by the adapter core.
//
// Errors carry a Kind that drives retry policy: transient kinds are retried
// within their budgets, permanent kinds surface immediately.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for retry and reporting policy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfigInvalid: bad startup configuration. Fatal.
	KindConfigInvalid
	// KindPolicyReject: unknown AE or disallowed source. Rejected at the
	// DICOM layer, not an internal failure.
	KindPolicyReject
	// KindStagingFull: staging root unwritable or above the high-water mark.
	KindStagingFull
	// KindTransientIO: local filesystem hiccup. Retried with backoff.
	KindTransientIO
	// KindTransientRemote: platform 5xx, retrieval timeout, network blip.
	KindTransientRemote
	// KindPermanentRemote: 4xx or malformed reply. No retry.
	KindPermanentRemote
	// KindValidationFailed: bad inference request, refused at enqueue.
	KindValidationFailed
	// KindCancelled: external cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config-invalid"
	case KindPolicyReject:
		return "policy-reject"
	case KindStagingFull:
		return "staging-full"
	case KindTransientIO:
		return "transient-io"
	case KindTransientRemote:
		return "transient-remote"
	case KindPermanentRemote:
		return "permanent-remote"
	case KindValidationFailed:
		return "validation-failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is an error with a Kind attached.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef wraps a formatted message with a kind.
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err, unwrapping as needed. Context cancellation
// maps to KindCancelled; deadline expiry and net timeouts map to
// KindTransientRemote.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientRemote
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientRemote
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried within its budget.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindTransientRemote, KindStagingFull:
		return true
	default:
		return false
	}
}

// Common sentinel errors.
var (
	ErrConnectionClosed    = errors.New("dicom: connection closed")
	ErrAssociationRejected = errors.New("dicom: association rejected")
	ErrInvalidPDU          = errors.New("dicom: invalid PDU")
	ErrNoPresentationCtx   = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage      = errors.New("dicom: invalid DIMSE message")
)

// AssociationRejectReason is the reason byte of an A-ASSOCIATE-RJ PDU
// (DICOM PS3.8 table 9-21, service-user source).
type AssociationRejectReason byte

const (
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07
)

func (r AssociationRejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// AssociationRejectResult is the result byte of an A-ASSOCIATE-RJ PDU.
type AssociationRejectResult byte

const (
	RejectResultPermanent AssociationRejectResult = 0x01
	RejectResultTransient AssociationRejectResult = 0x02
)

// AssociationError reports an association rejected by either side.
type AssociationError struct {
	Result AssociationRejectResult
	Reason AssociationRejectReason
	Msg    string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (result: %d, reason: %s)", e.Msg, e.Result, e.Reason)
}

// NewAssociationError builds an AssociationError.
func NewAssociationError(result AssociationRejectResult, reason AssociationRejectReason, msg string) *AssociationError {
	return &AssociationError{Result: result, Reason: reason, Msg: msg}
}

// DIMSEError reports a DIMSE operation that completed with a failure status.
type DIMSEError struct {
	Status    uint16
	Operation string
	Msg       string
}

func (e *DIMSEError) Error() string {
	return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}

// NewDIMSEError builds a DIMSEError.
func NewDIMSEError(status uint16, operation, msg string) *DIMSEError {
	return &DIMSEError{Operation: operation, Status: status, Msg: msg}
}

// AbortError reports an A-ABORT PDU received from the peer.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	source := "unknown"
	switch e.Source {
	case 0x00:
		source = "service-user"
	case 0x02:
		source = "service-provider"
	}
	return fmt.Sprintf("connection aborted by %s (reason: 0x%02X)", source, e.Reason)
}
