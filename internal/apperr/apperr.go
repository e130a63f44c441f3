// Package apperr defines the error taxonomy shared by the store, the
// scheduler and the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FieldError describes one invalid input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for a bad sequence, step or request before
// anything is persisted.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no field errors were collected
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field ValidationError
func Invalid(field, format string, args ...any) *ValidationError {
	ve := &ValidationError{}
	ve.Add(field, format, args...)
	return ve
}

// NotFoundError is returned for unknown ids and for cross-tenant access
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NotFound builds a NotFoundError
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError is returned when a conditional update loses a race or the
// requested transition is not valid from the current state.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
}

// Conflict builds a ConflictError
func Conflict(resource, id, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

// ExternalDispatchError wraps a failure from an email, call or sms provider
type ExternalDispatchError struct {
	Channel   string
	Temporary bool
	Err       error
}

func (e *ExternalDispatchError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("%s dispatch failed (%s): %v", e.Channel, kind, e.Err)
}

func (e *ExternalDispatchError) Unwrap() error {
	return e.Err
}

// Dispatch builds an ExternalDispatchError
func Dispatch(channel string, temporary bool, err error) *ExternalDispatchError {
	return &ExternalDispatchError{Channel: channel, Temporary: temporary, Err: err}
}

// ConfigurationError is returned when a definition cannot run as configured,
// e.g. a call step with no assistant.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Misconfigured builds a ConfigurationError
func Misconfigured(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsConflict reports whether err is a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsConfiguration reports whether err is a ConfigurationError
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTemporary reports whether err is a dispatch failure worth retrying.
// Errors that are not ExternalDispatchError count as temporary.
func IsTemporary(err error) bool {
	var de *ExternalDispatchError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// HTTPStatus maps an error to the status code the API responds with
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsConfiguration(err):
		return http.StatusUnprocessableEntity
	}
	var de *ExternalDispatchError
	if errors.As(err, &de) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
