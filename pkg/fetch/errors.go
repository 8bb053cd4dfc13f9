package fetch

import (
	"errors"
	"fmt"
)

// ErrClosed is delivered to requests made after the coordinator closed.
var ErrClosed = errors.New("fetch coordinator is closed")

// NetworkError is a connect or read failure, or a non-2xx response.
// StatusCode is zero when no response arrived.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
