package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateActive  = errors.New("pending activation already exists")
	ErrFeedConnection   = errors.New("feed connection failed")
	ErrSinkWrite        = errors.New("snapshot sink write failed")
	ErrStoreUnavailable = errors.New("activation store unavailable")
	ErrLockHeld         = errors.New("lock already held")
	ErrSessionOpen      = errors.New("watch session already open")
	ErrAlreadyExists    = errors.New("object already exists")
)
