package ffs

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget/errno"
)

const (
	mountRetries    = 3
	mountRetryDelay = 50 * time.Millisecond
)

// mountInstance creates targetDir and mounts the FunctionFS instance
// named by source (the ConfigFS functions/ffs.<instance> mkdir already
// made it available) at targetDir. The kernel can transiently hold the
// instance busy right after that mkdir, so EBUSY is retried.
func mountInstance(source, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return errno.ToOsError("mkdir", targetDir, -1, errno.FromError(err), "creating ffs mount point")
	}
	var lastErr error
	for attempt := 0; attempt < mountRetries; attempt++ {
		err := unix.Mount(source, targetDir, "functionfs", 0, "")
		if err == nil {
			return nil
		}
		lastErr = err
		if e, ok := err.(unix.Errno); ok && e == unix.EBUSY {
			time.Sleep(mountRetryDelay)
			continue
		}
		return errno.ToOsError("mount", targetDir, -1, errno.FromError(err), "mounting functionfs instance "+source)
	}
	return errno.ToOsError("mount", targetDir, -1, errno.FromError(lastErr), "mounting functionfs instance "+source+" (exhausted retries)")
}

// unmountInstance unmounts and removes targetDir. A missing mount or
// directory is not an error so a partially-torn-down function can
// always be cleaned up.
func unmountInstance(targetDir string) error {
	if err := unix.Unmount(targetDir, 0); err != nil {
		if e, ok := err.(unix.Errno); !ok || (e != unix.EINVAL && e != unix.ENOENT) {
			return errno.ToOsError("umount", targetDir, -1, errno.FromError(err), "")
		}
	}
	if err := os.Remove(targetDir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
