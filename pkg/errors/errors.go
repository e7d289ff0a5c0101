package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel values shared across packages. Match them with errors.Is.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrUnavailable        = errors.New("service unavailable")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrFailedPrecondition = errors.New("failed precondition")

	// Flow token and SIP routing errors
	ErrInvalidSIPMessage    = errors.New("invalid SIP message")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrFlowFailed           = errors.New("flow failed")
	ErrFlowTampered         = errors.New("flow tampered")
	ErrBindingNotFound      = errors.New("registration binding not found")
)

// Error is a structured error carrying context fields, an optional code and
// the location it was created at.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional machine readable category
	Code string
}

// build creates an Error whose location is the caller skip frames above it.
func build(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return build(1, errors.New(message), message, "", fields)
}

// Wrap annotates err with a message. It returns nil for a nil err.
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(1, err, message, GetErrorCode(err), fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField returns a copy of the error with one more context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error with the given fields merged in
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error with the code replaced
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is reports whether the wrapped error matches target
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// Location returns file:line of the creation site
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// AsJSON returns the error in a JSON friendly map
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewNotFound creates an ErrNotFound error
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrNotFound, message, "NOT_FOUND", fields)
}

// NewInvalidInput creates an ErrInvalidInput error
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return build(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewInvalidSIP creates an ErrInvalidSIPMessage error
func NewInvalidSIP(details string, fields ...map[string]interface{}) *Error {
	return build(1, ErrInvalidSIPMessage, "invalid SIP message: "+details, "INVALID_SIP_MESSAGE", fields)
}

// NewInvalidAddress reports a host that is neither an IPv4 nor an IPv6 literal.
func NewInvalidAddress(host string) *Error {
	return build(1, ErrInvalidAddress, fmt.Sprintf("invalid address %q", host), "INVALID_ADDRESS",
		[]map[string]interface{}{{"host": host}})
}

// NewUnsupportedTransport reports a transport the flow token cannot carry.
func NewUnsupportedTransport(transport string) *Error {
	return build(1, ErrUnsupportedTransport, fmt.Sprintf("unsupported transport %q", transport), "UNSUPPORTED_TRANSPORT",
		[]map[string]interface{}{{"transport": transport}})
}

// NewFlowFailed reports that the flow a request is bound to no longer exists.
func NewFlowFailed(details string, fields ...map[string]interface{}) *Error {
	return build(1, ErrFlowFailed, "flow failed: "+details, "FLOW_FAILED", fields)
}

// NewFlowTampered reports a request bound to a flow token that failed validation.
func NewFlowTampered(fields ...map[string]interface{}) *Error {
	return build(1, ErrFlowTampered, "", "FLOW_TAMPERED", fields)
}

// NewBindingNotFound reports an address of record without live bindings.
func NewBindingNotFound(aor string) *Error {
	return build(1, ErrBindingNotFound, "no bindings for "+aor, "BINDING_NOT_FOUND",
		[]map[string]interface{}{{"aor": aor}})
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the code from a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts the fields from a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
