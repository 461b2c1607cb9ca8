// Package errdefs defines the error classes used across the orchestrator.
// Errors are classified by the behavioral interface they implement rather
// than by concrete type, so that any error can opt into a class by carrying
// the matching marker method.
package errdefs

// ErrInvalidParameter signals a client error in the request input.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrNotFound signals that the requested object does not exist.
type ErrNotFound interface {
	NotFound()
}

// ErrConflict signals that the request conflicts with the current state of
// the target object.
type ErrConflict interface {
	Conflict()
}

// ErrUnavailable signals that the requested action cannot be performed right
// now, but may succeed later. The resource arbiter uses this class for
// admission rejections.
type ErrUnavailable interface {
	Unavailable()
}

// ErrForbidden signals that the caller is not allowed to perform the
// requested action.
type ErrForbidden interface {
	Forbidden()
}

// ErrSystem signals an internal failure of the orchestrator itself.
type ErrSystem interface {
	System()
}
