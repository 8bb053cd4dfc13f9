package cache

import "io"

// ReadHandle streams one committed entry. The entry is pinned until Close;
// Close is safe to call more than once.
type ReadHandle interface {
	io.Reader
	Key() string
	Size() int64
	Close() error
}

// WriteHandle receives the bytes of one pending entry. It is finished by
// passing it to Commit or Abort on the cache that issued it.
type WriteHandle interface {
	io.Writer
	Key() string
}

// View opens key, hands the stream to fn and always releases the handle.
// found is false when key is absent.
func View(store interface {
	Read(key string) (ReadHandle, bool, error)
}, key string, fn func(r io.Reader, size int64) error) (found bool, err error) {
	h, ok, err := store.Read(key)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = ioErr("close", key, cerr)
		}
	}()
	return true, fn(h, h.Size())
}
