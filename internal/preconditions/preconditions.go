// Package preconditions defines the error returned when a caller hands the estimation core
// malformed input.
package preconditions

import "github.com/pkg/errors"

// ErrViolated is wrapped by every precondition failure so callers can match it with errors.Is.
var ErrViolated = errors.New("precondition violated")

// Errorf returns an error describing a violated precondition.
func Errorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrViolated, format, args...)
}
