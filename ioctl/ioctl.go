// Package ioctl wraps the FunctionFS-specific ioctl(2) requests.
// The request numbers are built with the same
// IO/IOR/IOW/IOWR constructors used for the USBDEVFS
// ioctl family, re-pointed at the 'g' magic FunctionFS
// uses instead of USBDEVFS's 'U'.
package ioctl

import (
	"unsafe"

	goioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget/errno"
)

// usbEndpointDescSize is the kernel's packed sizeof(struct
// usb_endpoint_descriptor) (9, including the two audio-only tail bytes);
// the Go mirror below pads to 10, so the ioctl number carries the packed
// size explicitly.
const usbEndpointDescSize = 9

// FunctionFS ioctl request numbers (see <linux/usb/functionfs.h>).
var (
	FIFOStatus      = goioctl.IO('g', 1)
	FIFOFlush       = goioctl.IO('g', 2)
	ClearHalt       = goioctl.IO('g', 3)
	InterfaceRevmap = goioctl.IO('g', 128)
	EndpointRevmap  = goioctl.IO('g', 129)
	EndpointDesc    = goioctl.IOR('g', 130, usbEndpointDescSize)
	DMABufAttach    = goioctl.IOW('g', 131, unsafe.Sizeof(int32(0)))
	DMABufDetach    = goioctl.IOW('g', 132, unsafe.Sizeof(int32(0)))
	DMABufTransfer  = goioctl.IOW('g', 133, unsafe.Sizeof(DMABufTransferReq{}))
)

// UsbEndpointDescriptor mirrors struct usb_endpoint_descriptor, the shape
// FUNCTIONFS_ENDPOINT_DESC writes back so userspace can learn the
// kernel-negotiated wMaxPacketSize for the endpoint's current speed.
// Field offsets match the kernel's packed layout; only the total size
// differs (Go pads to 10).
type UsbEndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
	Refresh         uint8
	SynchAddress    uint8
}

// DMABufTransferReq mirrors struct usb_ffs_dmabuf_transfer_req. The
// struct is kept for completeness of the ioctl surface but is not driven
// by the AIO-based reader/writer.
type DMABufTransferReq struct {
	Fd     int32
	Flags  uint32
	Length uint64
}

// Call invokes ioctl(2) with no argument, returning the raw result if
// non-negative or an *errno.OsError otherwise.
func Call(fd int, request uintptr) (int, error) {
	return CallArg(fd, request, 0)
}

// CallArg invokes ioctl(2) with an integer argument.
func CallArg(fd int, request uintptr, arg uintptr) (int, error) {
	r, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
	if e != 0 {
		return int(r), errno.ToOsError("ioctl", "", fd, e, "")
	}
	return int(r), nil
}

// CallPtr invokes ioctl(2) with a pointer argument to a typed struct.
func CallPtr(fd int, request uintptr, arg unsafe.Pointer) (int, error) {
	r, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(arg))
	if e != 0 {
		return int(r), errno.ToOsError("ioctl", "", fd, e, "")
	}
	return int(r), nil
}

// FifoStatus returns the number of bytes currently queued in the
// endpoint's FIFO (FUNCTIONFS_FIFO_STATUS).
func FifoStatus(fd int) (int, error) {
	return Call(fd, FIFOStatus)
}

// FifoFlush discards all data queued in the endpoint's FIFO
// (FUNCTIONFS_FIFO_FLUSH).
func FifoFlush(fd int) error {
	_, err := Call(fd, FIFOFlush)
	return err
}

// ClearHaltEndpoint clears a STALL condition on the endpoint
// (FUNCTIONFS_CLEAR_HALT).
func ClearHaltEndpoint(fd int) error {
	_, err := Call(fd, ClearHalt)
	return err
}

// InterfaceRevmapOf returns the interface number the kernel assigned to
// this function's interface at bind time (FUNCTIONFS_INTERFACE_REVMAP).
func InterfaceRevmapOf(fd int, ifaceIdx int) (int, error) {
	return CallArg(fd, InterfaceRevmap, uintptr(ifaceIdx))
}

// EndpointRevmapOf returns the endpoint address the kernel assigned to
// this ep<n> file at bind time (FUNCTIONFS_ENDPOINT_REVMAP).
func EndpointRevmapOf(fd int) (int, error) {
	return Call(fd, EndpointRevmap)
}

// EndpointDescOf reads back the endpoint descriptor in effect at the
// negotiated speed (FUNCTIONFS_ENDPOINT_DESC).
func EndpointDescOf(fd int) (UsbEndpointDescriptor, error) {
	var desc UsbEndpointDescriptor
	_, err := CallPtr(fd, EndpointDesc, unsafe.Pointer(&desc))
	return desc, err
}

// AttachDMABuf attaches a dma-buf fd to the endpoint
// (FUNCTIONFS_DMABUF_ATTACH). The streaming reader/writer does not use
// the dma-buf path; this is exposed for callers that do.
func AttachDMABuf(fd int, dmabufFd int32) error {
	_, err := CallPtr(fd, DMABufAttach, unsafe.Pointer(&dmabufFd))
	return err
}

// DetachDMABuf detaches a previously attached dma-buf fd
// (FUNCTIONFS_DMABUF_DETACH).
func DetachDMABuf(fd int, dmabufFd int32) error {
	_, err := CallPtr(fd, DMABufDetach, unsafe.Pointer(&dmabufFd))
	return err
}

// TransferDMABuf starts a transfer on an attached dma-buf
// (FUNCTIONFS_DMABUF_TRANSFER).
func TransferDMABuf(fd int, req DMABufTransferReq) error {
	_, err := CallPtr(fd, DMABufTransfer, unsafe.Pointer(&req))
	return err
}

// ResetEndpoint is a derived helper: best-effort
// CLEAR_HALT then FIFO_FLUSH, swallowing individual failures so a caller
// recovering from a halted endpoint always ends in a clean
// state regardless of which step the kernel rejects.
func ResetEndpoint(fd int) {
	_ = ClearHaltEndpoint(fd)
	_ = FifoFlush(fd)
}
