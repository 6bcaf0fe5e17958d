package rmq

import "errors"

// PermanentError marks a handler failure that must not be retried. The
// consumer NACKs such messages without requeueing them.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the consumer drops the message instead of
// requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanentError reports whether err is, or wraps, a PermanentError.
func IsPermanentError(err error) bool {
	var target *PermanentError
	return errors.As(err, &target)
}
