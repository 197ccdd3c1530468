package apiErrors

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorCode string

const (
	NotFound        ErrorCode = "NOT_FOUND"
	InvalidArgument ErrorCode = "INVALID_ARGUMENT"
	Conflict        ErrorCode = "CONFLICT"
	Forbidden       ErrorCode = "FORBIDDEN"
	InternalError   ErrorCode = "INTERNAL_ERROR"
	RateLimited     ErrorCode = "RATE_LIMITED"
)

const (
	EntityCycle     = "cycle"
	EntityAppraisal = "appraisal"
	EntityUser      = "user"
)

type APIError struct {
	Code    ErrorCode
	Entity  string
	ID      string
	Message string
	Details []string
}

func (e APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, strings.Join(e.Details, ", "))
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func New(code ErrorCode, entity, id, message string, details ...string) APIError {
	return APIError{Code: code, Entity: entity, ID: id, Message: message, Details: details}
}

func NotFoundErr(entity, id string) APIError {
	return APIError{Code: NotFound, Entity: entity, ID: id, Message: entity + " not found"}
}

// CodeOf returns the code carried by err, or InternalError for untyped errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e APIError
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
