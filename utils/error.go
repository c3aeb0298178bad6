package utils

import "errors"

// ErrLockNotObtained is returned by WithLock when the lock stayed busy for the whole retry window.
var ErrLockNotObtained = errors.New("could not obtain lock")

var ErrLockNotInitialized = errors.New("service not ready (redis lock not initialized)")
