package gpu

// busyError signals the wait queue is full or the max wait elapsed.
type busyError struct{ reason string }

func (e busyError) Error() string { return "gpu busy: " + e.reason }

// IsBusy reports whether err indicates backpressure on the GPU lock.
func IsBusy(err error) bool {
	_, ok := err.(busyError)
	return ok
}

// acquisitionError wraps a runtime load/swap failure observed while holding
// the lock. The lock itself is released before this is returned.
type acquisitionError struct{ err error }

func (e acquisitionError) Error() string { return "gpu acquisition failed: " + e.err.Error() }
func (e acquisitionError) Unwrap() error { return e.err }

// ErrAcquisition constructs an acquisitionError.
func ErrAcquisition(err error) error { return acquisitionError{err: err} }

// IsAcquisitionFailure reports whether err came from a failed load or swap.
func IsAcquisitionFailure(err error) bool {
	_, ok := err.(acquisitionError)
	return ok
}
