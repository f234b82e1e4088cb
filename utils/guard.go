package utils

// Guard manages cleanup for a function that acquires a resource and may fail before handing it
// off. Usage:
//
//	guard := NewGuard(func() { release() })
//	defer guard.OnFail()
//	if err != nil { return err }
//	guard.Success()
//
// A frame tick uses it the other way around, with Release: the frame's release func runs on
// every exit path exactly once, whether the tick renders, skips or faults.
type Guard struct {
	OnFail  func()
	success bool
	done    bool
	cleanup func()
}

// NewGuard returns a Guard that runs cleanup from OnFail unless Success was called.
func NewGuard(cleanup func()) *Guard {
	ret := &Guard{cleanup: cleanup}
	ret.OnFail = func() {
		if !ret.success {
			ret.Release()
		}
	}
	return ret
}

// Success declares the function succeeded and the "failure" cleanup code does not need to be
// executed.
func (guard *Guard) Success() {
	guard.success = true
}

// Release runs the cleanup now, regardless of success. Later calls, including OnFail, are no-ops.
func (guard *Guard) Release() {
	if guard.done {
		return
	}
	guard.done = true
	if guard.cleanup != nil {
		guard.cleanup()
	}
}
