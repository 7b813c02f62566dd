package ioctl

import (
	"testing"
	"unsafe"
)

const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func _IO(t, nr uintptr) uintptr {
	return _IOC(iocNone, t, nr, 0)
}

func _IOR(t, nr, size uintptr) uintptr {
	return _IOC(iocRead, t, nr, size)
}

func _IOW(t, nr, size uintptr) uintptr {
	return _IOC(iocWrite, t, nr, size)
}

func _IOC(dir, t, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (t << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

type ioctlstruct struct {
	name   string
	number uintptr
	target uintptr
}

var ioctls = []ioctlstruct{
	{"FUNCTIONFS_FIFO_STATUS", FIFOStatus, 0x00006701},
	{"FUNCTIONFS_FIFO_FLUSH", FIFOFlush, 0x00006702},
	{"FUNCTIONFS_CLEAR_HALT", ClearHalt, 0x00006703},
	{"FUNCTIONFS_INTERFACE_REVMAP", InterfaceRevmap, 0x00006780},
	{"FUNCTIONFS_ENDPOINT_REVMAP", EndpointRevmap, 0x00006781},
	{"FUNCTIONFS_ENDPOINT_DESC", EndpointDesc, 0x80096782},
	{"FUNCTIONFS_DMABUF_ATTACH", DMABufAttach, 0x40046783},
	{"FUNCTIONFS_DMABUF_DETACH", DMABufDetach, 0x40046784},
	{"FUNCTIONFS_DMABUF_TRANSFER", DMABufTransfer, 0x40106785},
}

func TestIOCTLNumbers(t *testing.T) {
	for _, ctl := range ioctls {
		if ctl.number != ctl.target {
			t.Logf("WRONG NUMBER - %s, %.8X != %.8X\n", ctl.name, ctl.number, ctl.target)
			t.Fail()
		}
		t.Logf("%s = 0x%.8X\n", ctl.name, ctl.number)
	}
}

func TestIOCTLConstruction(t *testing.T) {
	if got := _IO('g', 1); got != FIFOStatus {
		t.Errorf("_IO('g',1) = %#x, want %#x", got, FIFOStatus)
	}
	if got := _IOR('g', 130, usbEndpointDescSize); got != EndpointDesc {
		t.Errorf("_IOR('g',130,9) = %#x, want %#x", got, EndpointDesc)
	}
	if got := _IOW('g', 133, unsafe.Sizeof(DMABufTransferReq{})); got != DMABufTransfer {
		t.Errorf("_IOW('g',133,req) = %#x, want %#x", got, DMABufTransfer)
	}
}

/* functionfs.h
#define FUNCTIONFS_FIFO_STATUS     _IO('g', 1)
#define FUNCTIONFS_FIFO_FLUSH      _IO('g', 2)
#define FUNCTIONFS_CLEAR_HALT      _IO('g', 3)
#define FUNCTIONFS_INTERFACE_REVMAP _IO('g', 128)
#define FUNCTIONFS_ENDPOINT_REVMAP _IO('g', 129)
#define FUNCTIONFS_ENDPOINT_DESC   _IOR('g', 130, struct usb_endpoint_descriptor)
#define FUNCTIONFS_DMABUF_ATTACH   _IOW('g', 131, int)
#define FUNCTIONFS_DMABUF_DETACH   _IOW('g', 132, int)
#define FUNCTIONFS_DMABUF_TRANSFER _IOW('g', 133, struct usb_ffs_dmabuf_transfer_req)
*/
