package aio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrToU64 returns the address of buf's backing array as the kernel's
// aio_buf field expects it. A zero-length buffer yields 0, which the
// kernel accepts alongside an aio_nbytes of 0; Writer submits such a
// buffer for a zero-length write.
func ptrToU64(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// negErrno converts an io_event's negative res (-errno) into an Errno.
func negErrno(res int64) unix.Errno {
	return unix.Errno(-res)
}
