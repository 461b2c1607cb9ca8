package errdefs

type errInvalidParameter struct{ error }

func (errInvalidParameter) InvalidParameter() {}

func (e errInvalidParameter) Unwrap() error { return e.error }

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Unwrap() error { return e.error }

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Unwrap() error { return e.error }

type errUnavailable struct{ error }

func (errUnavailable) Unavailable() {}

func (e errUnavailable) Unwrap() error { return e.error }

type errForbidden struct{ error }

func (errForbidden) Forbidden() {}

func (e errForbidden) Unwrap() error { return e.error }

type errSystem struct{ error }

func (errSystem) System() {}

func (e errSystem) Unwrap() error { return e.error }

// InvalidParameter creates an ErrInvalidParameter from the given error.
// It returns the error as-is if it is either nil or already classified.
func InvalidParameter(err error) error {
	if err == nil || isInterface[ErrInvalidParameter](err) {
		return err
	}
	return errInvalidParameter{err}
}

// NotFound creates an ErrNotFound from the given error.
func NotFound(err error) error {
	if err == nil || isInterface[ErrNotFound](err) {
		return err
	}
	return errNotFound{err}
}

// Conflict creates an ErrConflict from the given error.
func Conflict(err error) error {
	if err == nil || isInterface[ErrConflict](err) {
		return err
	}
	return errConflict{err}
}

// Unavailable creates an ErrUnavailable from the given error.
func Unavailable(err error) error {
	if err == nil || isInterface[ErrUnavailable](err) {
		return err
	}
	return errUnavailable{err}
}

// Forbidden creates an ErrForbidden from the given error.
func Forbidden(err error) error {
	if err == nil || isInterface[ErrForbidden](err) {
		return err
	}
	return errForbidden{err}
}

// System creates an ErrSystem from the given error.
func System(err error) error {
	if err == nil || isInterface[ErrSystem](err) {
		return err
	}
	return errSystem{err}
}
