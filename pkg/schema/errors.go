package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeVault              = "VAULT_ERROR"
	ErrCodeCredentialNotFound = "CREDENTIAL_NOT_FOUND"
	ErrCodeFieldNotFound      = "FIELD_NOT_FOUND"
	ErrCodeAccessDenied       = "ACCESS_DENIED"
	ErrCodeFormatValidation   = "FORMAT_VALIDATION_FAILED"
	ErrCodeExportBlocked      = "EXPORT_BLOCKED"
)

// VaultError is the structured error type for all covault operations.
// Details never carry secret material; format failures carry the
// human-readable pattern description, never the compiled pattern.
type VaultError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Key     string         `json:"key,omitempty"` // namespace:credential reference
	Cause   error          `json:"-"`
}

func (e *VaultError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Key, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VaultError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VaultError.
func NewError(code, message string) *VaultError {
	return &VaultError{Code: code, Message: message}
}

// NewErrorf creates a new VaultError with a formatted message.
func NewErrorf(code, format string, args ...any) *VaultError {
	return &VaultError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithKey attaches the credential reference the error concerns.
func (e *VaultError) WithKey(key string) *VaultError {
	e.Key = key
	return e
}

// WithCause attaches an underlying cause.
func (e *VaultError) WithCause(err error) *VaultError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VaultError) WithDetails(details map[string]any) *VaultError {
	e.Details = details
	return e
}

// CodeOf returns the VaultError code of err, or "" if err is not a VaultError.
func CodeOf(err error) string {
	if ve, ok := err.(*VaultError); ok {
		return ve.Code
	}
	return ""
}
