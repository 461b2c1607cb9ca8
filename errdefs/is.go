package errdefs

import "errors"

// isInterface walks the Unwrap chain looking for an error implementing T.
func isInterface[T any](err error) bool {
	for {
		if _, ok := err.(T); ok {
			return true
		}
		if err = errors.Unwrap(err); err == nil {
			return false
		}
	}
}

// IsInvalidParameter returns true if the error or any of its causes is an
// ErrInvalidParameter.
func IsInvalidParameter(err error) bool { return isInterface[ErrInvalidParameter](err) }

// IsNotFound returns true if the error or any of its causes is an ErrNotFound.
func IsNotFound(err error) bool { return isInterface[ErrNotFound](err) }

// IsConflict returns true if the error or any of its causes is an ErrConflict.
func IsConflict(err error) bool { return isInterface[ErrConflict](err) }

// IsUnavailable returns true if the error or any of its causes is an
// ErrUnavailable.
func IsUnavailable(err error) bool { return isInterface[ErrUnavailable](err) }

// IsForbidden returns true if the error or any of its causes is an
// ErrForbidden.
func IsForbidden(err error) bool { return isInterface[ErrForbidden](err) }

// IsSystem returns true if the error or any of its causes is an ErrSystem.
func IsSystem(err error) bool { return isInterface[ErrSystem](err) }
