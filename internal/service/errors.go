package service

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable kind of a checkout failure
type ErrorCode string

const (
	CodeInvalidRequest          ErrorCode = "INVALID_REQUEST"
	CodeActiveReservationExists ErrorCode = "ACTIVE_RESERVATION_EXISTS"
	CodeVariantNotFound         ErrorCode = "PRODUCT_VARIANT_NOT_FOUND"
	CodeInsufficientStock       ErrorCode = "INSUFFICIENT_STOCK"
	CodeMaxPerCustomerExceeded  ErrorCode = "MAX_PER_CUSTOMER_EXCEEDED"
	CodeReservationNotFound     ErrorCode = "RESERVATION_NOT_FOUND"
	CodeReservationUserMismatch ErrorCode = "RESERVATION_USER_MISMATCH"
	CodePaymentFailed           ErrorCode = "PAYMENT_FAILED"
	CodeTransactionFailure      ErrorCode = "TRANSACTION_FAILURE"
	// CodePaymentCapturedOrderFailed means the customer was charged but no order was written
	CodePaymentCapturedOrderFailed ErrorCode = "PAYMENT_CAPTURED_ORDER_FAILED"
)

// CheckoutError is a domain failure carrying a code and a human-readable message
type CheckoutError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CheckoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, format string, args ...interface{}) *CheckoutError {
	return &CheckoutError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, err error, format string, args ...interface{}) *CheckoutError {
	return &CheckoutError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsCheckoutError extracts a CheckoutError from err
func AsCheckoutError(err error) (*CheckoutError, bool) {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the code of err; errors outside the taxonomy are transaction failures
func CodeOf(err error) ErrorCode {
	if ce, ok := AsCheckoutError(err); ok {
		return ce.Code
	}
	return CodeTransactionFailure
}

// IsCode reports whether err carries code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// asTransactionFailure passes domain errors through and wraps everything else
func asTransactionFailure(err error, msg string) error {
	if _, ok := AsCheckoutError(err); ok {
		return err
	}
	return wrapError(CodeTransactionFailure, err, "%s", msg)
}
