package model

import "errors"

// Sentinel errors shared across the engine. Handlers match them with
// errors.Is and translate them to user-facing messages.
var (
	// ErrInsufficientQuota means the credit gate denied a submission.
	ErrInsufficientQuota = errors.New("insufficient credits")
	// ErrOracleUnavailable means the grading service could not be reached
	// or returned a transport-level failure.
	ErrOracleUnavailable = errors.New("grading service unavailable")
	// ErrMalformedResponse means the grading service answered with a
	// payload that could not be parsed into a correction result.
	ErrMalformedResponse = errors.New("malformed grading response")
	// ErrAlreadyInFlight means a re-evaluation for the same item is still
	// pending. Not a failure; the caller should disable the control.
	ErrAlreadyInFlight = errors.New("re-evaluation already in flight")
	// ErrInvalidIndex means an item index was out of bounds.
	ErrInvalidIndex = errors.New("item index out of range")
	// ErrInvalidVariant means an operation targeted a field that does not
	// exist on the item's variant.
	ErrInvalidVariant = errors.New("field not present on item variant")
	// ErrInvalidValue means an edit carried a value of the wrong type for
	// the target field.
	ErrInvalidValue = errors.New("wrong value type for field")
	// ErrStoreUnavailable means the quota store could not record a credit
	// consumption. It never invalidates an already-obtained result.
	ErrStoreUnavailable = errors.New("credit store unavailable")
	// ErrNoSession means an edit or re-evaluation arrived before any exam
	// was submitted, or after a reset.
	ErrNoSession = errors.New("no active grading session")
)
