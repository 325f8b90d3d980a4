package domain

import (
	"errors"
	"fmt"
)

// ErrorKind tags a PurchaseError.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "network"
	KindStoreProblem       ErrorKind = "store_problem"
	KindCancelled          ErrorKind = "cancelled"
	KindInvalid            ErrorKind = "invalid"
	KindProductUnavailable ErrorKind = "product_unavailable"
	KindUnknown            ErrorKind = "unknown"
)

// InvalidReason explains why a receipt was rejected.
type InvalidReason string

const (
	ReasonNotSigned   InvalidReason = "not_signed"
	ReasonWrongBundle InvalidReason = "wrong_bundle"
	ReasonRevoked     InvalidReason = "revoked"
)

// PurchaseError is the single error type that crosses component
// boundaries. Retryable is derived from Kind and drives retry policy.
type PurchaseError struct {
	Kind            ErrorKind
	Platform        string
	NativeErrorCode int
	Reason          InvalidReason
	ProductID       string
	Message         string
	Cause           error
}

func (e *PurchaseError) Error() string {
	var msg string
	switch e.Kind {
	case KindNetwork:
		msg = fmt.Sprintf("network error (%s)", e.Platform)
	case KindStoreProblem:
		msg = fmt.Sprintf("store problem (code %d)", e.NativeErrorCode)
	case KindCancelled:
		msg = "purchase cancelled"
	case KindInvalid:
		msg = fmt.Sprintf("purchase invalid: %s", e.Reason)
	case KindProductUnavailable:
		msg = fmt.Sprintf("product unavailable: %s", e.ProductID)
	default:
		msg = "unknown purchase error"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PurchaseError) Unwrap() error { return e.Cause }

// Is matches another *PurchaseError by kind, and by reason when the target
// names one, so errors.Is(err, Invalid(ReasonRevoked)) works.
func (e *PurchaseError) Is(target error) bool {
	t, ok := target.(*PurchaseError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Reason == "" || e.Reason == t.Reason
}

// Retryable reports whether the failure is transient.
func (e *PurchaseError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindStoreProblem:
		return true
	default:
		return false
	}
}

func NetworkError(platform string, cause error) *PurchaseError {
	return &PurchaseError{Kind: KindNetwork, Platform: platform, Cause: cause}
}

func StoreProblem(nativeCode int, cause error) *PurchaseError {
	return &PurchaseError{Kind: KindStoreProblem, NativeErrorCode: nativeCode, Cause: cause}
}

func Cancelled() *PurchaseError {
	return &PurchaseError{Kind: KindCancelled}
}

// Invalid never carries a cause so that callers cannot tell which step of
// receipt verification failed.
func Invalid(reason InvalidReason) *PurchaseError {
	return &PurchaseError{Kind: KindInvalid, Reason: reason}
}

func ProductUnavailable(productID string) *PurchaseError {
	return &PurchaseError{Kind: KindProductUnavailable, ProductID: productID}
}

func Unknown(message string, cause error) *PurchaseError {
	return &PurchaseError{Kind: KindUnknown, Message: message, Cause: cause}
}

// AsPurchaseError extracts the *PurchaseError from err's chain.
func AsPurchaseError(err error) (*PurchaseError, bool) {
	var pe *PurchaseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable PurchaseError. Anything
// else is treated as unknown and therefore terminal.
func IsRetryable(err error) bool {
	pe, ok := AsPurchaseError(err)
	return ok && pe.Retryable()
}
