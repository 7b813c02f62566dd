package aio

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget/errno"
)

func rawIOSetup(nrEvents uint32) (aioContextT, error) {
	var ctx aioContextT
	_, _, e := unix.Syscall(sysIOSetup, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if e != 0 {
		return 0, errno.ToOsError("io_setup", "", 0, e, "")
	}
	return ctx, nil
}

func rawIODestroy(ctx aioContextT) error {
	_, _, e := unix.Syscall(sysIODestroy, uintptr(ctx), 0, 0)
	if e != 0 {
		return errno.ToOsError("io_destroy", "", 0, e, "")
	}
	return nil
}

// rawIOSubmit submits the iocb pointers in cbs and returns the number the
// kernel actually accepted. A partial count is not an error by itself —
// callers (Context.Submit) interpret it.
func rawIOSubmit(ctx aioContextT, cbs []*iocb) (int, error) {
	if len(cbs) == 0 {
		return 0, nil
	}
	n, _, e := unix.Syscall(sysIOSubmit, uintptr(ctx), uintptr(len(cbs)), uintptr(unsafe.Pointer(&cbs[0])))
	if e != 0 {
		return int(n), errno.ToOsError("io_submit", "", 0, e, "")
	}
	return int(n), nil
}

// rawIOGetevents blocks (up to timeout, if non-nil) for between minEvents
// and len(events) completions and returns the number filled in.
func rawIOGetevents(ctx aioContextT, minEvents, maxEvents int, events []ioEvent, timeout *timespec) (int, error) {
	var tsPtr unsafe.Pointer
	if timeout != nil {
		tsPtr = unsafe.Pointer(timeout)
	}
	n, _, e := unix.Syscall6(sysIOGetevents, uintptr(ctx), uintptr(minEvents), uintptr(maxEvents),
		uintptr(unsafe.Pointer(&events[0])), uintptr(tsPtr), 0)
	if e != 0 {
		return int(n), errno.ToOsError("io_getevents", "", 0, e, "")
	}
	return int(n), nil
}

// rawIOCancel asks the kernel to cancel an in-flight iocb. Used by
// Context.Dispose before io_destroy; not every kernel reaps abandoned
// iocbs on destroy alone.
func rawIOCancel(ctx aioContextT, cb *iocb) error {
	var result ioEvent
	_, _, e := unix.Syscall6(sysIOCancel, uintptr(ctx), uintptr(unsafe.Pointer(cb)),
		uintptr(unsafe.Pointer(&result)), 0, 0, 0)
	if e != 0 {
		return errno.ToOsError("io_cancel", "", 0, e, "")
	}
	return nil
}
