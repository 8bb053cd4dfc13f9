package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrWritePending is returned when a second writer asks for a key that
	// already has an uncommitted write.
	ErrWritePending = errors.New("write already pending for key")

	// ErrEntryTooLarge is returned by Commit when one entry alone exceeds
	// the durable budget.
	ErrEntryTooLarge = errors.New("entry exceeds durable cache budget")

	ErrClosed = errors.New("durable cache is closed")

	// ErrHandleInvalid is returned for handles that were already committed
	// or aborted, or that belong to another cache.
	ErrHandleInvalid = errors.New("invalid or finished write handle")

	ErrInvalidKey = errors.New("invalid cache key")
)

// CacheIOError wraps a durable store read, write or open failure.
type CacheIOError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheIOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("durable cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("durable cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheIOError) Unwrap() error {
	return e.Err
}

func IsCacheIOError(err error) bool {
	var ce *CacheIOError
	return errors.As(err, &ce)
}

func ioErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &CacheIOError{Op: op, Key: key, Err: err}
}
