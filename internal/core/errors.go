package core

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Class partitions every failure the service can surface. Handlers map
// classes to HTTP statuses in exactly one place; internal callers branch with
// errors.As via ClassOf.
type Class int

const (
	ClassUnknown Class = iota
	ClassUnauthenticated
	ClassInvalid
	ClassPayloadTooLarge
	ClassNotFound
	ClassConflict
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassUnauthenticated:
		return "unauthenticated"
	case ClassInvalid:
		return "invalid"
	case ClassPayloadTooLarge:
		return "payload_too_large"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// AppError carries a failure class across layer boundaries. Op names the
// operation that failed ("database.CreateGroup"). CorrelationID is set on
// fatal errors and returned to callers so operators can find the log line.
type AppError struct {
	Class         Class
	Op            string
	Msg           string
	CorrelationID string
	Err           error
}

func (e *AppError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		if e.Op != "" {
			return fmt.Sprintf("%s: %s", e.Op, e.Msg)
		}
		return e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *AppError) Unwrap() error { return e.Err }

// Unauthenticated rejects a request with no resolvable API key.
func Unauthenticated(msg string) *AppError {
	return &AppError{Class: ClassUnauthenticated, Msg: msg}
}

// Invalid rejects malformed or out-of-contract input.
func Invalid(msg string) *AppError {
	return &AppError{Class: ClassInvalid, Msg: msg}
}

// Invalidf is Invalid with formatting.
func Invalidf(format string, args ...interface{}) *AppError {
	return &AppError{Class: ClassInvalid, Msg: fmt.Sprintf(format, args...)}
}

// PayloadTooLarge rejects an oversized request body.
func PayloadTooLarge(msg string) *AppError {
	return &AppError{Class: ClassPayloadTooLarge, Msg: msg}
}

// NotFound reports a missing entity.
func NotFound(entity string) *AppError {
	return &AppError{Class: ClassNotFound, Msg: entity + " not found"}
}

// Conflict reports a uniqueness collision. Callers recover it locally
// (re-read and attach); it never reaches an HTTP response on capture paths.
func Conflict(op string, err error) *AppError {
	return &AppError{Class: ClassConflict, Op: op, Err: err}
}

// Transient reports a retryable infrastructure failure.
func Transient(op string, err error) *AppError {
	return &AppError{Class: ClassTransient, Op: op, Err: err}
}

// Fatalf wraps an unexpected failure with a fresh correlation ID.
func Fatalf(op string, err error) *AppError {
	return &AppError{Class: ClassFatal, Op: op, CorrelationID: uuid.NewString(), Err: err}
}

// ClassOf extracts the class of err, ClassUnknown if err is untyped.
func ClassOf(err error) Class {
	var e *AppError
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

// CorrelationIDOf returns the correlation ID attached to err, if any.
func CorrelationIDOf(err error) string {
	var e *AppError
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}

func IsConflict(err error) bool  { return ClassOf(err) == ClassConflict }
func IsNotFound(err error) bool  { return ClassOf(err) == ClassNotFound }
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// HTTPStatus maps an error class to its response status. Unknown and fatal
// errors surface as 500; the correlation ID travels in the body.
func HTTPStatus(err error) int {
	switch ClassOf(err) {
	case ClassUnauthenticated:
		return http.StatusUnauthorized
	case ClassInvalid:
		return http.StatusBadRequest
	case ClassPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ClassNotFound:
		return http.StatusNotFound
	case ClassConflict:
		return http.StatusConflict
	case ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
