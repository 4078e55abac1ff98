package jobs

import (
	"context"
	"errors"
	"net"
)

// ExecError is an executor failure tagged with its retry category.
type ExecError struct {
	Category Category
	Err      error
}

func (e *ExecError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }

// Fail tags err with a category for the retry policy.
func Fail(c Category, err error) error {
	return &ExecError{Category: c, Err: err}
}

// Classify derives the category of an executor error. Tagged errors win;
// otherwise deadlines map to timeout, network errors to transient_network and
// everything else to other.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var ee *ExecError
	if errors.As(err, &ee) && ee.Category != "" {
		return ee.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryTransientNetwork
	}
	return CategoryOther
}
