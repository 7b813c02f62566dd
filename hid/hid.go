// Package hid layers a Human Interface Device class function on top of
// the ffs runtime: it synthesises the interface/HID/endpoint descriptor
// table from a report descriptor and endpoint configuration, answers the
// HID class control requests (GET/SET_REPORT, GET/SET_IDLE,
// GET/SET_PROTOCOL) plus GET_DESCRIPTOR for the report descriptor, and
// sends input reports over the interrupt IN endpoint.
package hid

import (
	"sync"

	"github.com/daedaluz/usbgadget"
	"github.com/daedaluz/usbgadget/errno"
	"github.com/daedaluz/usbgadget/ffs"
)

// Subclass is the bInterfaceSubClass of a HID interface.
type Subclass uint8

const (
	SubclassNone Subclass = 0
	SubclassBoot Subclass = 1
)

// Protocol is the bInterfaceProtocol of a HID interface. Only meaningful
// with SubclassBoot.
type Protocol uint8

const (
	ProtocolNone     Protocol = 0
	ProtocolKeyboard Protocol = 1
	ProtocolMouse    Protocol = 2
)

// ReportType is the high byte of wValue in GET_REPORT/SET_REPORT.
type ReportType uint8

const (
	ReportTypeInput   ReportType = 1
	ReportTypeOutput  ReportType = 2
	ReportTypeFeature ReportType = 3
)

// HID class request codes.
const (
	reqGetReport   = 0x01
	reqGetIdle     = 0x02
	reqGetProtocol = 0x03
	reqSetReport   = 0x09
	reqSetIdle     = 0x0A
	reqSetProtocol = 0x0B
)

// HID class descriptor types, as they appear in the high byte of
// GET_DESCRIPTOR's wValue.
const (
	descTypeHID      = 0x21
	descTypeReport   = 0x22
	descTypePhysical = 0x23
)

const (
	epInAddr  = 0x81
	epOutAddr = 0x02

	defaultPacketSize = 64
	defaultInterval   = 10
)

// Callbacks are the report-level hooks a HID function may install. Any
// nil callback falls back to a sensible default: GET_REPORT stalls,
// SET_REPORT discards, idle and protocol changes are tracked silently.
type Callbacks struct {
	OnGetReport   func(typ ReportType, reportID uint8, length uint16) ([]byte, error)
	OnSetReport   func(typ ReportType, reportID uint8, data []byte) error
	OnSetIdle     func(reportID, duration uint8)
	OnSetProtocol func(boot bool)
}

// Config describes one HID function.
type Config struct {
	ReportDescriptor []byte
	Subclass         Subclass
	Protocol         Protocol

	// InPacketSize is the interrupt IN endpoint's wMaxPacketSize;
	// 0 picks 64. OutPacketSize 0 means no OUT endpoint — output
	// reports then arrive via SET_REPORT on ep0 instead.
	InPacketSize  uint16
	OutPacketSize uint16

	// Interval is bInterval for the interrupt endpoints; 0 picks 10.
	Interval uint8

	Callbacks Callbacks
}

// Function is a HID function ready to be attached to a gadget
// configuration. It embeds the FfsFunction the assembler binds.
type Function struct {
	*usbgadget.FfsFunction

	cfg Config

	mu       sync.Mutex
	idle     map[uint8]uint8 // per-report-id idle duration, 4 ms units
	bootMode bool            // true after SET_PROTOCOL(boot)
}

// New builds a HID function with the given instance name. The returned
// Function is attached to a Configuration like any other; its endpoints
// become usable once the host configures the gadget.
func New(instance string, cfg Config) *Function {
	if cfg.InPacketSize == 0 {
		cfg.InPacketSize = defaultPacketSize
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}

	f := &Function{
		cfg:  cfg,
		idle: map[uint8]uint8{},
	}
	f.FfsFunction = &usbgadget.FfsFunction{
		Instance:    instance,
		Descriptors: f.descriptorTable(),
		Strings:     usbgadget.StringsTable{},
		Speeds:      []usbgadget.Speed{usbgadget.SpeedFull, usbgadget.SpeedHigh},
		Handlers: ffs.Handlers{
			OnSetup: f.onSetup,
		},
	}
	return f
}

// descriptorTable realises the interface + HID + endpoint descriptors at
// full and high speed. The layout is identical at both speeds apart from
// packet sizes, which are clamped to the per-speed interrupt maximum.
func (f *Function) descriptorTable() usbgadget.DescriptorTable {
	return usbgadget.DescriptorTable{
		FullSpeed: f.speedDescriptors(64),
		HighSpeed: f.speedDescriptors(1024),
	}
}

func (f *Function) speedDescriptors(maxPacket uint16) []usbgadget.Encodable {
	numEndpoints := uint8(1)
	if f.cfg.OutPacketSize > 0 {
		numEndpoints = 2
	}
	in := f.cfg.InPacketSize
	if in > maxPacket {
		in = maxPacket
	}
	list := []usbgadget.Encodable{
		usbgadget.InterfaceDescriptor{
			BNumEndpoints:      numEndpoints,
			BInterfaceClass:    usbgadget.ClassCodeInterfaceHID,
			BInterfaceSubClass: usbgadget.SubClass(f.cfg.Subclass),
			BInterfaceProtocol: uint8(f.cfg.Protocol),
		},
		usbgadget.HIDDescriptor{
			BcdHID:                 0x0111,
			ReportDescriptorLength: uint16(len(f.cfg.ReportDescriptor)),
		},
		usbgadget.EndpointDescriptor{
			BEndpointAddress: epInAddr,
			BmAttributes:     uint8(usbgadget.TransferTypeInterrupt),
			WMaxPacketSize:   in,
			BInterval:        f.cfg.Interval,
		},
	}
	if f.cfg.OutPacketSize > 0 {
		out := f.cfg.OutPacketSize
		if out > maxPacket {
			out = maxPacket
		}
		list = append(list, usbgadget.EndpointDescriptor{
			BEndpointAddress: epOutAddr,
			BmAttributes:     uint8(usbgadget.TransferTypeInterrupt),
			WMaxPacketSize:   out,
			BInterval:        f.cfg.Interval,
		})
	}
	return list
}

// SendReport writes one input report to the interrupt IN endpoint. The
// call resolves when the host has polled the endpoint and the kernel
// completed the write; a halted endpoint surfaces EPIPE (see
// EndpointIn.ClearHalt).
func (f *Function) SendReport(report []byte) error {
	rt := f.Runtime()
	if rt == nil {
		return &errno.StateError{Op: "SendReport", State: "function not bound"}
	}
	ep, ok := rt.InEndpoint(epInAddr)
	if !ok {
		return &errno.StateError{Op: "SendReport", State: "IN endpoint not open"}
	}
	_, err := ep.Write(report)
	return err
}

// OutEndpoint returns the interrupt OUT endpoint handle, if this
// function was configured with one and the host has bound the function.
func (f *Function) OutEndpoint() (*ffs.EndpointOut, bool) {
	rt := f.Runtime()
	if rt == nil {
		return nil, false
	}
	return rt.OutEndpoint(epOutAddr)
}

// IdleDuration returns the idle rate for a report id in 4 ms units
// (0 = indefinite). Falls back to the id-0 (all reports) entry.
func (f *Function) IdleDuration(reportID uint8) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.idle[reportID]; ok {
		return d
	}
	return f.idle[0]
}

// BootMode reports whether the host has selected the boot protocol via
// SET_PROTOCOL.
func (f *Function) BootMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootMode
}
