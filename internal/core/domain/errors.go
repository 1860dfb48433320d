package domain

import (
	"fmt"
	"time"
)

// ErrorCategory classifies a collection failure.
type ErrorCategory string

const (
	CategoryConnection     ErrorCategory = "CONNECTION"
	CategoryAuthentication ErrorCategory = "AUTHENTICATION"
	CategoryPermission     ErrorCategory = "PERMISSION"
	CategoryData           ErrorCategory = "DATA"
	CategoryUnknown        ErrorCategory = "UNKNOWN"
)

// ResultStatus converts the category to the status stored on a Result.
func (c ErrorCategory) ResultStatus() ResultStatus {
	return ResultStatus(c)
}

// CollectionError is the single error variant raised by query adapters.
// Kind carries the category; the remaining fields describe where it happened.
type CollectionError struct {
	Kind       ErrorCategory
	Host       string
	QueryClass string
	RetryCount int
	Duration   time.Duration
	Err        error
}

// NewCollectionError wraps err with a category.
func NewCollectionError(kind ErrorCategory, host, queryClass string, err error) *CollectionError {
	return &CollectionError{Kind: kind, Host: host, QueryClass: queryClass, Err: err}
}

func (e *CollectionError) Error() string {
	msg := string(e.Kind)
	if e.Host != "" {
		msg += " " + e.Host
	}
	if e.QueryClass != "" {
		msg += "/" + e.QueryClass
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}
