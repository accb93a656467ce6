package ipc

import (
	"os"

	"golang.org/x/sys/unix"
)

// shutdownRead issues shutdown(fd, SHUT_RD), unblocking a concurrent
// ReadFromUnix without closing the socket out from under any in-flight
// write (spec §4.8, §5 "Cancellation").
func shutdownRead(f *os.File) error {
	return unix.Shutdown(int(f.Fd()), unix.SHUT_RD)
}
