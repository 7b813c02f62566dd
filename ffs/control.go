// Package ffs implements the userspace side of a FunctionFS-backed USB
// function: mounting the per-function filesystem, writing the
// descriptor/strings blob to ep0, running the ep0 event loop that drives
// the function's lifecycle state machine, dispatching class/vendor
// SETUP requests, and surfacing ep1..epN as typed endpoint handles
// backed by the aio package's windowed reader/writer.
package ffs

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget/errno"
)

// RequestType is the bmRequestType byte of a USB control-transfer SETUP
// packet: direction (bit 7), type (bits 6:5), recipient (bits 4:0).
type RequestType uint8

const (
	RequestDirectionIn  = RequestType(0b10000000)
	RequestDirectionOut = RequestType(0b00000000)

	RequestTypeStandard = RequestType(0b00000000)
	RequestTypeClass    = RequestType(0b00100000)
	RequestTypeVendor   = RequestType(0b01000000)

	RequestRecipientDevice    = RequestType(0b00000000)
	RequestRecipientInterface = RequestType(0b00000001)
	RequestRecipientEndpoint  = RequestType(0b00000010)
)

func (t RequestType) Direction() RequestType { return t & 0b10000000 }
func (t RequestType) Type() RequestType      { return t & 0b01100000 }
func (t RequestType) Recipient() RequestType { return t & 0b00011111 }

// SetupRequest is the decoded 8-byte SETUP packet delivered by a
// FUNCTIONFS_SETUP event. The kernel answers most standard requests
// itself; class and vendor requests, and the standard requests it cannot
// answer (such as HID's GET_DESCRIPTOR for a report descriptor), reach
// OnSetup.
type SetupRequest struct {
	BmRequestType RequestType
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// IsDeviceToHost reports whether the data stage, if any, flows from the
// function to the host.
func (r SetupRequest) IsDeviceToHost() bool {
	return r.BmRequestType.Direction() == RequestDirectionIn
}

// ErrStall signals that OnSetup wants the request stalled rather than
// answered; the runtime completes the transfer by issuing a read or
// write on ep0 that the kernel turns into a STALL.
var ErrStall = fmt.Errorf("ffs: setup request stalled")

// ControlTransfer is the ep0 handle passed to OnSetup for performing a
// request's data stage. A handler must read (host-to-device) or write
// (device-to-host) the data stage, or return ErrStall, before the host's
// timeout; the runtime does not do this automatically since only the
// handler knows the payload.
type ControlTransfer struct {
	fd  int
	req SetupRequest
}

// Request returns the SETUP packet this transfer is answering.
func (c *ControlTransfer) Request() SetupRequest { return c.req }

// NewControlTransfer wraps an ep0 fd and a decoded SETUP packet; it is
// exported for callers that run their own ep0 event loop instead of
// Runtime's.
func NewControlTransfer(fd int, req SetupRequest) *ControlTransfer {
	return &ControlTransfer{fd: fd, req: req}
}

// WriteData performs the device-to-host data stage. data must not
// exceed WLength.
func (c *ControlTransfer) WriteData(data []byte) error {
	n, e := unix.Write(c.fd, data)
	if e != nil {
		return errno.ToOsError("write", "ep0", c.fd, errno.FromError(e), "setup data stage")
	}
	if n != len(data) {
		return &errno.StateError{Op: "ControlTransfer.WriteData", State: "short write"}
	}
	return nil
}

// ReadData performs the host-to-device data stage with a single read of
// up to req.WLength bytes, returning what that read delivered.
func (c *ControlTransfer) ReadData() ([]byte, error) {
	buf := make([]byte, c.req.WLength)
	n, e := unix.Read(c.fd, buf)
	if e != nil {
		return nil, errno.ToOsError("read", "ep0", c.fd, errno.FromError(e), "setup data stage")
	}
	return buf[:n], nil
}

// Stall refuses the request by operating against the SETUP's data
// direction: reading ep0 for a device-to-host request, writing it for a
// host-to-device one. The kernel turns the wrong-direction I/O into a
// protocol STALL and fails the call with EBADMSG, which is the expected
// outcome here; operating in the data-stage direction would instead ACK
// the request with an empty data stage.
func (c *ControlTransfer) Stall() error {
	if c.req.IsDeviceToHost() {
		_, e := unix.Read(c.fd, nil)
		if e != nil && e != unix.EBADMSG {
			return errno.ToOsError("read", "ep0", c.fd, errno.FromError(e), "stall")
		}
		return nil
	}
	_, e := unix.Write(c.fd, nil)
	if e != nil && e != unix.EBADMSG {
		return errno.ToOsError("write", "ep0", c.fd, errno.FromError(e), "stall")
	}
	return nil
}
