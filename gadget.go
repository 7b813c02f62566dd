package usbgadget

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/daedaluz/usbgadget/ffs"
)

// GadgetState is the lifecycle state of an assembled gadget, driven both
// by explicit bind/unbind calls and by the host's UDC attribute and
// FunctionFs lifecycle events.
type GadgetState uint8

const (
	StateUnbound GadgetState = iota
	StateBinding
	StateBound
	StateConfigured
	StateSuspended
	StateUnbinding
)

func (s GadgetState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	case StateConfigured:
		return "configured"
	case StateSuspended:
		return "suspended"
	case StateUnbinding:
		return "unbinding"
	}
	return "unknown"
}

// LanguageID is a USB LANGID code (e.g. 0x0409 for en-US).
type LanguageID uint16

// GadgetStrings is the per-language string triple attached to a gadget.
type GadgetStrings struct {
	Manufacturer string
	Product      string
	SerialNumber string
}

var gadgetNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Gadget is the top-level declarative description of a composite USB
// gadget: identifiers, strings, and an ordered list of configurations.
// A Gadget value is pure configuration; Bind/Unbind (in the companion
// configfs assembler) project it onto the live ConfigFS tree.
type Gadget struct {
	// Name becomes the ConfigFS directory under usb_gadget/. ASCII, no
	// slashes.
	Name string

	IDVendor  uint16
	IDProduct uint16
	BcdDevice uint16

	// UsbBcdVersion defaults to 0x0200 (USB 2.0) when zero.
	UsbBcdVersion uint16

	BDeviceClass    ClassCode
	BDeviceSubClass SubClass
	BDeviceProtocol uint8

	// BMaxPacketSize0, if non-zero, must be one of {8,16,32,64}.
	BMaxPacketSize0 uint8

	Strings map[LanguageID]GadgetStrings

	Configurations []*Configuration

	// OSDescriptor, if non-nil, enables the Microsoft OS descriptor
	// extension (vendor code + compatible-ID string) read by Windows
	// during enumeration. Out of scope for the encoder beyond carrying
	// the two ConfigFS attribute values the kernel exposes.
	OSDescriptor *OSDescriptor

	// state and bindState are populated by Bind (assemble.go) and
	// cleared by Unbind; a zero Gadget is StateUnbound.
	state     GadgetState
	bindState *bindState
}

// OSDescriptor carries the two os_desc/ ConfigFS attributes a gadget may
// set: b_vendor_code and the qw_sign signature string.
type OSDescriptor struct {
	Use         bool
	BVendorCode uint8
	QwSign      string
}

// ConfigurationAttributes is the bmAttributes byte of a configuration
// descriptor. Only the three combinations the kernel accepts are named;
// the low 5 bits are always reserved-zero in USB 2.x.
type ConfigurationAttributes uint8

const (
	ConfigAttrBusPowered   = ConfigurationAttributes(0x80)
	ConfigAttrSelfPowered  = ConfigurationAttributes(0xC0)
	ConfigAttrRemoteWakeup = ConfigurationAttributes(0xA0)
)

// Configuration is one ConfigFS configs/<label>.<index> entry: a named
// bundle of functions the host can select via SET_CONFIGURATION.
type Configuration struct {
	// Index is the 1-based bConfigurationValue.
	Index int
	// Label defaults to "c" if empty.
	Label string

	Attributes ConfigurationAttributes
	// MaxPower is in 2 mA units (see MaxPower in power.go).
	MaxPower MaxPower

	Strings map[LanguageID]string

	// Functions lists, in enumeration order, the functions attached to
	// this configuration. The gadget has no separate function list; the
	// assembler derives its function set by walking every Configuration.
	Functions []Function
}

// dirLabel returns the configs/<label>.<index> directory name.
func (c *Configuration) dirLabel() string {
	label := c.Label
	if label == "" {
		label = "c"
	}
	return fmt.Sprintf("%s.%d", label, c.Index)
}

// Function is the sum type of the two kinds of USB function this module
// assembles: a kernel-provided function driven purely by ConfigFS
// attribute writes, or a userspace FunctionFs-backed function with a
// full lifecycle runtime. Expressed as a closed two-case interface; the
// assembler dispatches on the concrete type.
type Function interface {
	// InstanceName is the part after the template name in
	// functions/<template>.<instance>; it must be unique within a
	// gadget.
	InstanceName() string
	// templateDir returns the functions/<template>.<instance>
	// directory name the assembler creates and links.
	templateDir() string
	isFunction()
}

// AttrValue is a typed ConfigFS attribute value: either a literal string
// (already ASCII-decimal, 0x-hex, or text, caller's choice) or raw bytes
// for attributes that are not line-oriented (rare, but some gadget
// functions such as mass storage's "file" attribute take an absolute
// path with no normalisation).
type AttrValue struct {
	str      string
	bytes    []byte
	isString bool
}

// StringValue wraps a string ConfigFS attribute value.
func StringValue(s string) AttrValue { return AttrValue{str: s, isString: true} }

// IntValue wraps an integer ConfigFS attribute value as ASCII decimal.
func IntValue(n int64) AttrValue { return AttrValue{str: fmt.Sprintf("%d", n), isString: true} }

// HexValue wraps an integer ConfigFS attribute value as 0x-prefixed hex.
func HexValue(n uint64) AttrValue { return AttrValue{str: fmt.Sprintf("0x%x", n), isString: true} }

// BytesValue wraps a raw-bytes ConfigFS attribute value (no newline
// appended, unlike the string forms).
func BytesValue(b []byte) AttrValue { return AttrValue{bytes: b} }

// Bytes returns the wire form this value is written to ConfigFS with.
func (v AttrValue) Bytes() []byte {
	if v.isString {
		return append([]byte(v.str), '\n')
	}
	return v.bytes
}

// KernelFunction is a thin descriptor for a kernel-provided USB function
// (e.g. "acm", "ecm", "rndis", "mass_storage", "midi", "uac2", "uvc").
// Its entire contract is a template/instance name pair, a set of
// ConfigFS attribute writes, and an optional pre-link hook for side
// effects the kernel function needs before it is linked into a
// configuration (mass storage's backing-file creation, for instance).
type KernelFunction struct {
	Template string
	Instance string

	// Attrs maps the attribute file path (relative to the function's
	// ConfigFS directory, e.g. "lun.0/file") to its value.
	Attrs map[string]AttrValue

	// PreLink, if non-nil, runs after the function directory is
	// created and its attributes written, but before any configuration
	// symlinks it.
	PreLink func() error
}

func (f *KernelFunction) InstanceName() string { return f.Instance }
func (f *KernelFunction) templateDir() string  { return f.Template + "." + f.Instance }
func (f *KernelFunction) isFunction()          {}

// attrOrder returns the attribute paths in sorted order so the ConfigFS
// writes happen deterministically across binds.
func (f *KernelFunction) attrOrder() []string {
	paths := make([]string, 0, len(f.Attrs))
	for p := range f.Attrs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FfsFunction declares a userspace FunctionFs-backed function: its
// instance name, descriptor table, strings, allowed speeds, and the
// lifecycle handlers the ffs runtime dispatches ep0 events to. The
// assembler creates functions/ffs.<instance> (making the instance
// mountable) and, for FunctionFs functions, also starts the runtime
// described in §4.5.
type FfsFunction struct {
	Instance string

	Descriptors DescriptorTable
	Strings     StringsTable

	// Speeds restricts which of the descriptor table's speed sections
	// are considered valid; at least one of {full, high, super} must be
	// populated and present here.
	Speeds []Speed

	Handlers ffs.Handlers

	// runtime is populated by Bind once the function's FunctionFs
	// instance is mounted and described.
	runtime *ffs.Runtime
}

func (f *FfsFunction) InstanceName() string { return f.Instance }
func (f *FfsFunction) templateDir() string  { return "ffs." + f.Instance }
func (f *FfsFunction) isFunction()          {}

// Runtime returns the live FunctionFs runtime for this function, or nil
// before the owning gadget is bound. Endpoint handles are reached
// through it once the host has issued BIND.
func (f *FfsFunction) Runtime() *ffs.Runtime { return f.runtime }

// Speed is one of the three USB signalling speeds this module realises
// descriptors for.
type Speed uint8

const (
	SpeedFull Speed = iota
	SpeedHigh
	SpeedSuper
)

// validate checks a Gadget's structural invariants before it may be
// bound: at least one configuration, a non-zero vendor/product pair,
// unique instance names, and well-formed FunctionFs descriptor tables.
func (g *Gadget) validate() error {
	if g.Name == "" || !gadgetNamePattern.MatchString(g.Name) {
		return fmt.Errorf("usbgadget: invalid gadget name %q", g.Name)
	}
	if g.IDVendor == 0 || g.IDProduct == 0 {
		return fmt.Errorf("usbgadget: idVendor/idProduct must be non-zero")
	}
	if len(g.Configurations) == 0 {
		return fmt.Errorf("usbgadget: gadget %q declares no configurations", g.Name)
	}
	switch g.BMaxPacketSize0 {
	case 0, 8, 16, 32, 64:
	default:
		return fmt.Errorf("usbgadget: bMaxPacketSize0 %d is not one of {8,16,32,64}", g.BMaxPacketSize0)
	}
	seen := map[string]bool{}
	for _, cfg := range g.Configurations {
		for _, fn := range cfg.Functions {
			name := fn.templateDir()
			if seen[name] {
				return fmt.Errorf("usbgadget: duplicate function instance %q", name)
			}
			seen[name] = true
			if ffs, ok := fn.(*FfsFunction); ok {
				if err := validateFfsFunction(ffs); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateFfsFunction(f *FfsFunction) error {
	if len(f.Speeds) == 0 {
		return fmt.Errorf("usbgadget: ffs function %q declares no speeds", f.Instance)
	}
	for _, sp := range f.Speeds {
		list := f.Descriptors.forSpeed(sp)
		if len(list) == 0 {
			return fmt.Errorf("usbgadget: ffs function %q declares speed %v with no descriptors", f.Instance, sp)
		}
		hasInterface := false
		endpoints := 0
		for _, d := range list {
			switch ep := d.(type) {
			case InterfaceDescriptor:
				hasInterface = true
			case EndpointDescriptor:
				endpoints++
				if err := validateEndpoint(&ep, f.Instance, sp); err != nil {
					return err
				}
			}
		}
		if !hasInterface {
			return fmt.Errorf("usbgadget: ffs function %q speed %v declares no interface descriptor", f.Instance, sp)
		}
		if endpoints == 0 {
			return fmt.Errorf("usbgadget: ffs function %q speed %v declares no endpoints", f.Instance, sp)
		}
	}
	return nil
}

// validateEndpoint checks one endpoint template against the USB limits
// for the speed it is realised at: a non-zero endpoint number, no
// control endpoints beside ep0, sync/usage bits only on isochronous
// endpoints, and a packet size within the speed's maximum.
func validateEndpoint(ep *EndpointDescriptor, instance string, sp Speed) error {
	if ep.Number() == 0 {
		return fmt.Errorf("usbgadget: ffs function %q declares endpoint number 0 (reserved for ep0)", instance)
	}
	tt := ep.TransferType()
	if tt == TransferTypeControl {
		return fmt.Errorf("usbgadget: ffs function %q ep%d declares a control endpoint (only ep0 is control)", instance, ep.Number())
	}
	if tt != TransferTypeIsochronous &&
		(ep.SynchronizationType() != SynchronizationTypeNoSync || ep.UsageType() != UsageTypeData) {
		return fmt.Errorf("usbgadget: ffs function %q ep%d sets sync/usage bits on a non-isochronous endpoint", instance, ep.Number())
	}
	if limit := maxPacketLimit(sp, tt); ep.PacketSize() > limit {
		return fmt.Errorf("usbgadget: ffs function %q ep%d packet size %d exceeds %d at speed %v",
			instance, ep.Number(), ep.PacketSize(), limit, sp)
	}
	return nil
}

// maxPacketLimit is the largest wMaxPacketSize (excluding the
// high-bandwidth additional-transactions bits) the USB 2.x/3.0 specs
// allow per speed and transfer type.
func maxPacketLimit(sp Speed, tt TransferType) uint16 {
	switch sp {
	case SpeedFull:
		if tt == TransferTypeIsochronous {
			return 1023
		}
		return 64
	case SpeedHigh:
		if tt == TransferTypeBulk {
			return 512
		}
		return 1024
	}
	return 1024
}

func (t DescriptorTable) forSpeed(s Speed) []Encodable {
	switch s {
	case SpeedFull:
		return t.FullSpeed
	case SpeedHigh:
		return t.HighSpeed
	case SpeedSuper:
		return t.SuperSpeed
	}
	return nil
}
