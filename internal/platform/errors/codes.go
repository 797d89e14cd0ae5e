// Package errors provides structured error handling for the order bridge.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Order intake errors
	CodeOrderPhoneRequired Code = "ORDER_PHONE_REQUIRED"
	CodeOrderItemsRequired Code = "ORDER_ITEMS_REQUIRED"
	CodeOrderMalformed     Code = "ORDER_MALFORMED"

	// Session errors
	CodeSessionNotReady Code = "SESSION_NOT_READY"
	CodeSessionDisabled Code = "SESSION_DISABLED"

	// Dispatch errors
	CodeRenderFailed Code = "RENDER_FAILED"
	CodeSendFailed   Code = "SEND_FAILED"
)

// validationCodes are client-input failures that carry no server fault.
var validationCodes = map[Code]bool{
	CodeOrderPhoneRequired: true,
	CodeOrderItemsRequired: true,
	CodeOrderMalformed:     true,
}

// unavailableCodes indicate the caller should retry later.
var unavailableCodes = map[Code]bool{
	CodeSessionNotReady: true,
	CodeSessionDisabled: true,
}

// IsValidation reports whether the code describes malformed client input.
func (c Code) IsValidation() bool {
	return validationCodes[c]
}

// IsUnavailable reports whether the code describes a temporarily
// unavailable dependency.
func (c Code) IsUnavailable() bool {
	return unavailableCodes[c]
}
