//go:build windows

package cache

// syncDir is a no-op on Windows, where directories cannot be opened for
// syncing.
func syncDir(dir string) error {
	return nil
}
