package system

import (
	"net"
	"runtime/debug"
)

func GetFreePort() (int, error) {
	// port 0 asks the kernel for any free port
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()

	addr := l.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// MemoryLimit returns the runtime soft memory limit and whether one is set.
func MemoryLimit() (uint64, bool) {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == int64(^uint64(0)>>1) {
		return 0, false
	}
	return uint64(limit), true
}
