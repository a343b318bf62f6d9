package camera

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies camera acquisition failures for the UI.
type ErrorCode string

const (
	// CodePermissionDenied: the OS/user refused camera access.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	// CodeNoDevice: no capture device present.
	CodeNoDevice ErrorCode = "NO_DEVICE"
	// CodeDeviceBusy: the OS reports the device held by another process.
	CodeDeviceBusy ErrorCode = "DEVICE_BUSY"
	// CodeInUse: another in-app consumer already holds the lease. This
	// is an app-level conflict, not a device problem.
	CodeInUse ErrorCode = "IN_USE_BY_OTHER_CONSUMER"
	// CodeUnknown: anything we could not classify.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Error wraps an acquisition failure with its classification.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("camera: %s", e.Code)
	}
	return fmt.Sprintf("camera: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MarshalJSON renders the classification and message for status APIs.
func (e *Error) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message,omitempty"`
	}{Code: e.Code, Message: msg})
}

// AsError extracts a *Error from err, or wraps err as CodeUnknown.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: CodeUnknown, Err: err}
}

// classify maps driver/OS error text onto the taxonomy. Capture stacks
// do not expose structured codes, so this is string matching, same as
// every caller of the underlying device APIs ends up doing.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") ||
		strings.Contains(msg, "not authorized"):
		return &Error{Code: CodePermissionDenied, Err: err}
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no device"):
		return &Error{Code: CodeNoDevice, Err: err}
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") ||
		strings.Contains(msg, "resource unavailable"):
		return &Error{Code: CodeDeviceBusy, Err: err}
	default:
		return &Error{Code: CodeUnknown, Err: err}
	}
}
