package singleflight

import "errors"

// ErrPanicked is returned to every waiter when the shared function panics.
var ErrPanicked = errors.New("singleflight: function panicked")
