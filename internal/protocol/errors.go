package protocol

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Code is the wire identifier of an error class.
type Code string

// Error codes.
const (
	CodeNamespaceNotFound     Code = "namespace_not_found"
	CodeProviderTimeout       Code = "provider_timeout"
	CodeConnectionLost        Code = "connection_lost"
	CodeMalformedPayload      Code = "malformed_payload"
	CodeCapabilityUnavailable Code = "capability_unavailable"
	CodeProviderFailed        Code = "provider_failed"
)

// Sentinel errors, one per code. *Error unwraps to the sentinel of its code.
var (
	ErrNamespaceNotFound     = errors.New("namespace not found")
	ErrProviderTimeout       = errors.New("provider timed out")
	ErrConnectionLost        = errors.New("connection lost")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrProviderFailed        = errors.New("provider failed")
)

var sentinels = map[Code]error{
	CodeNamespaceNotFound:     ErrNamespaceNotFound,
	CodeProviderTimeout:       ErrProviderTimeout,
	CodeConnectionLost:        ErrConnectionLost,
	CodeMalformedPayload:      ErrMalformedPayload,
	CodeCapabilityUnavailable: ErrCapabilityUnavailable,
	CodeProviderFailed:        ErrProviderFailed,
}

// Error is a structured protocol error. It survives a wire round trip as
// its code and message.
type Error struct {
	Code      Code
	Namespace provider.Namespace
	Message   string
	Err       error
}

// NewError wraps err with a code. Message defaults to err's text.
func NewError(code Code, ns provider.Namespace, err error) *Error {
	e := &Error{Code: code, Namespace: ns, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, ns provider.Namespace, format string, args ...any) *Error {
	return &Error{Code: code, Namespace: ns, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		if s, ok := sentinels[e.Code]; ok {
			msg = s.Error()
		}
	}
	if e.Namespace != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Namespace, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the sentinel for the code and the wrapped cause.
func (e *Error) Unwrap() []error {
	var errs []error
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CodeOf classifies any error. Errors that are not protocol errors are
// reported as provider failures.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeProviderFailed
}

// AsError converts err into a *Error, preserving it if it already is one.
func AsError(err error, ns provider.Namespace) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewError(CodeOf(err), ns, err)
}

// ErrorPayload renders err as the wire error mapping
// {"error": {"code": ..., "message": ..., "namespace": ...}}.
func ErrorPayload(err error) map[string]any {
	perr := AsError(err, "")
	body := map[string]any{
		"code":    string(perr.Code),
		"message": perr.Message,
	}
	if perr.Namespace != "" {
		body["namespace"] = string(perr.Namespace)
	}
	return map[string]any{"error": body}
}

// ErrorFromPayload extracts an error from a result mapping. The boolean is
// false when m carries no error.
func ErrorFromPayload(m map[string]any) (*Error, bool) {
	raw, ok := m["error"]
	if !ok {
		return nil, false
	}
	body, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	code, _ := body["code"].(string)
	if code == "" {
		return nil, false
	}
	msg, _ := body["message"].(string)
	ns, _ := body["namespace"].(string)
	return &Error{Code: Code(code), Namespace: provider.Namespace(ns), Message: msg}, true
}

// IsCapabilityUnavailable reports whether err means an optional protocol
// member is not present. Callers treat it as "feature not present".
func IsCapabilityUnavailable(err error) bool {
	return errors.Is(err, ErrCapabilityUnavailable)
}
