package valuation

import (
	"errors"
	"fmt"
)

// Common engine errors

var (
	// ErrCompanyRequired is returned when no company is given.
	ErrCompanyRequired = errors.New("company is required")

	// ErrProductNotFound is returned when a product has no deliveries
	// and no stock observations.
	ErrProductNotFound = errors.New("product not found")

	// ErrNegativeObservation is returned when a stock observation
	// carries a negative physical quantity.
	ErrNegativeObservation = errors.New("physical quantity must not be negative")

	// ErrNonPositiveDelivery is returned when a delivery line carries a
	// zero or negative quantity.
	ErrNonPositiveDelivery = errors.New("delivery quantity must be positive")

	// ErrEmptyExtract is returned when an extract blob contains no data
	// rows.
	ErrEmptyExtract = errors.New("extract contains no rows")

	// ErrPosUnavailable marks a failed point-of-sale balance fetch. The
	// caller degrades to internal data; this is never a hard failure.
	ErrPosUnavailable = errors.New("point-of-sale balances unavailable")
)

// ValidationError reports a rejected input before computation starts.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s (value: %s)", e.Field, e.Message, e.Value)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// SourceError wraps a failure of one of the upstream readers.
type SourceError struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Cause     error  `json:"cause"`
}

func (e SourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("source failure [%s]: %s (cause: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("source failure [%s]: %s", e.Operation, e.Message)
}

func (e SourceError) Unwrap() error {
	return e.Cause
}

// NewSourceError creates a new source error.
func NewSourceError(operation, message string, cause error) *SourceError {
	return &SourceError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// ComputationError reports an unexpected input shape inside one size's
// calculation. It fails that size only; sibling sizes continue.
type ComputationError struct {
	Key     SizeKey `json:"key"`
	Message string  `json:"message"`
	Cause   error   `json:"cause"`
}

func (e ComputationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("computation failed [%s]: %s (cause: %v)", e.Key, e.Message, e.Cause)
	}
	return fmt.Sprintf("computation failed [%s]: %s", e.Key, e.Message)
}

func (e ComputationError) Unwrap() error {
	return e.Cause
}

// NewComputationError creates a new computation error.
func NewComputationError(key SizeKey, message string, cause error) *ComputationError {
	return &ComputationError{
		Key:     key,
		Message: message,
		Cause:   cause,
	}
}

// ExtractError reports a malformed row in a ground-truth extract.
type ExtractError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
	Value   string `json:"value"`
}

func (e ExtractError) Error() string {
	return fmt.Sprintf("extract row %d: %s (value: %s)", e.Line, e.Message, e.Value)
}

// NewExtractError creates a new extract error.
func NewExtractError(line int, message, value string) *ExtractError {
	return &ExtractError{
		Line:    line,
		Message: message,
		Value:   value,
	}
}
