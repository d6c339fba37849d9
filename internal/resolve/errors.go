package resolve

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes resolution errors.
type ErrorCode string

const (
	// ErrCodeProductNotFound indicates no product name matched exactly.
	ErrCodeProductNotFound ErrorCode = "PRODUCT_NOT_FOUND"
)

// Error is a resolution failure that is not a registry failure.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Product is the requested product name.
	Product string

	// Candidates are the names the registry returned for the lookup.
	Candidates []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("%s: no product named %q (registry returned %q)", e.Code, e.Product, e.Candidates)
	}
	return fmt.Sprintf("%s: no product named %q", e.Code, e.Product)
}

// IsProductNotFound reports whether err is a product lookup miss.
// Uses errors.As to handle wrapped errors.
func IsProductNotFound(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == ErrCodeProductNotFound
	}
	return false
}
