// (c) Copyright Procwatch 2025

package governor

import "sync/atomic"

// flag is a boolean value that can be set and unset atomically
type flag struct {
	value int32
}

// SetIfUnset sets the flag to true if it's false and returns whether
// the value has been changed
func (f *flag) SetIfUnset() bool {
	return atomic.CompareAndSwapInt32(&f.value, 0, 1)
}

// Set sets the flag to true
func (f *flag) Set() {
	atomic.StoreInt32(&f.value, 1)
}

// Unset sets the flag to false
func (f *flag) Unset() {
	atomic.StoreInt32(&f.value, 0)
}

// IsSet returns whether the flag is set to true
func (f *flag) IsSet() bool {
	return atomic.LoadInt32(&f.value) == 1
}
