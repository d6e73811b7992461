package odoo

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError is a transport-level failure: the request may not have reached
// the backend, or the response was lost.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("odoo %s: network: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the credentials were rejected or the session expired.
// It is not retryable without user action.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "odoo: authentication failed: " + e.Message }

// RPCError is a fault reported by the backend for an otherwise valid request.
type RPCError struct {
	Code    int
	Name    string // exception class, e.g. odoo.exceptions.UserError
	Message string
}

func (e *RPCError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("odoo rpc %d: %s: %s", e.Code, e.Name, e.Message)
	}
	return fmt.Sprintf("odoo rpc %d: %s", e.Code, e.Message)
}

// ParseError reports a payload that does not have the expected shape.
type ParseError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("odoo: parse %s: %s (got %T %v)", e.Field, e.Reason, e.Value, e.Value)
}

// IsRetryable reports whether a later attempt of the same call may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr *NetworkError
	var rpcErr *RPCError
	switch {
	case errors.As(err, &netErr):
		return true
	case errors.As(err, &rpcErr):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

var authExceptions = map[string]bool{
	"odoo.exceptions.AccessDenied":      true,
	"odoo.http.SessionExpiredException": true,
	"werkzeug.exceptions.Unauthorized":  true,
}
