package usbgadget

import "fmt"

// DescriptorType identifies a USB descriptor's bDescriptorType field.
type DescriptorType uint8

// DescriptorHeader is the two-byte prefix shared by every USB descriptor:
// a total length in bytes followed by the descriptor type.
type DescriptorHeader struct {
	Length         uint8
	DescriptorType DescriptorType
}

func (h DescriptorHeader) Type() DescriptorType {
	return h.DescriptorType
}

const (
	DescriptorTypeDevice = DescriptorType(iota + 1)
	DescriptorTypeConfig
	DescriptorTypeString
	DescriptorTypeInterface
	DescriptorTypeEndpoint

	DescriptorTypeInterfacePower = DescriptorType(iota + 3)
	DescriptorTypeOTG
	DescriptorTypeDebug
	DescriptorTypeInterfaceAssociation
)

const (
	DescriptorTypeSuperSpeedUSBEndpointCompanion = DescriptorType(48)
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorTypeDevice:
		return "Device"
	case DescriptorTypeConfig:
		return "Configuration"
	case DescriptorTypeString:
		return "String"
	case DescriptorTypeInterface:
		return "Interface"
	case DescriptorTypeEndpoint:
		return "Endpoint"
	case DescriptorTypeInterfaceAssociation:
		return "InterfaceAssociation"
	case DescriptorTypeSuperSpeedUSBEndpointCompanion:
		return "SuperSpeedEndpointCompanion"
	}
	return fmt.Sprintf("Unknown(0x%.2X)", uint8(t))
}

type (
	// InterfaceDescriptor describes a specific interface within a configuration.
	// An interface descriptor is always returned as part of a configuration descriptor.
	// Interface descriptors cannot be directly accessed with a GetDescriptor() or
	// SetDescriptor() request — the kernel assembles them from the ConfigFS tree and,
	// for a FunctionFS function, from the descriptor table this package encodes.
	InterfaceDescriptor struct {
		DescriptorHeader
		// BInterfaceNumber Number of this interface.
		// Zero-based value identifying the index in the array of concurrent
		// interfaces supported by this configuration.
		BInterfaceNumber uint8

		// BAlternateSetting Value used to select this alternate setting
		// for the interface identified in the prior field.
		BAlternateSetting uint8

		// BNumEndpoints Number of endpoints used by this interface (excluding the Default Control Pipe).
		// If this value is zero, this interface only uses the Default Control Pipe.
		BNumEndpoints uint8

		// BInterfaceClass Class code (assigned by the USB-IF).
		BInterfaceClass ClassCode

		// BInterfaceSubClass Subclass code (assigned by the USB-IF), qualified by BInterfaceClass.
		BInterfaceSubClass SubClass

		// BInterfaceProtocol Protocol code (assigned by the USB-IF), qualified by
		// BInterfaceClass and BInterfaceSubClass.
		BInterfaceProtocol uint8

		// IInterface Index of string descriptor describing this interface.
		IInterface uint8
	}

	// InterfaceAssociationDescriptor groups two or more interfaces that belong to the
	// same function. Required whenever a function spans more than one interface
	// (e.g. CDC ECM's control + data pair). Must precede the interfaces it associates
	// and all associated interface numbers must be contiguous.
	InterfaceAssociationDescriptor struct {
		DescriptorHeader
		// BFirstInterface is the number of the first interface associated with this function.
		BFirstInterface uint8
		// BInterfaceCount is the number of contiguous interfaces associated with this function.
		BInterfaceCount uint8
		// BFunctionClass Class code (assigned by USB-IF). Zero is not allowed here.
		BFunctionClass ClassCode
		// BFunctionSubClass Subclass code (assigned by USB-IF).
		BFunctionSubClass SubClass
		// BFunctionProtocol Protocol code (assigned by USB-IF).
		BFunctionProtocol uint8
		// IFunction Index of a string descriptor describing this function.
		IFunction uint8
	}

	// EndpointDescriptor contains the information the host uses to determine the
	// bandwidth requirements of each endpoint. There is never an endpoint descriptor
	// for endpoint zero; ep0 is handled by the control-transfer channel instead.
	EndpointDescriptor struct {
		DescriptorHeader
		// BEndpointAddress: bits 3:0 endpoint number, bit 7 direction (1=IN, ignored for control).
		BEndpointAddress uint8

		// BmAttributes: bits 1:0 transfer type, bits 3:2 sync type (isochronous only),
		// bits 5:4 usage type (isochronous only).
		BmAttributes uint8

		// WMaxPacketSize, little-endian, including the high-bandwidth
		// additional-transactions-per-microframe bits (11:12) for HS interrupt/isochronous.
		WMaxPacketSize uint16

		// BInterval servicing period. Expressed in frame (FS) or microframe (HS/SS) units
		// depending on speed and transfer type; see USB 2.0 §9.6.6.
		BInterval uint8
	}

	// StringDescriptor carries a UTF-16LE encoded string, or, at index zero, an array
	// of supported LANGID codes. FunctionFS takes plain UTF-8 strings instead (see
	// the strings-blob encoder in descriptor_encode.go) and lets the kernel perform
	// the UTF-16LE conversion.
	StringDescriptor struct {
		DescriptorHeader
		Data []byte
	}

	// SSEndpointCompanionDescriptor immediately follows every endpoint descriptor when
	// the function is realised at SuperSpeed. The Default Control Pipe has no companion.
	SSEndpointCompanionDescriptor struct {
		DescriptorHeader
		// BMaxBurst: 0-15, maximum packets the endpoint bursts at once (0 = 1 packet).
		BMaxBurst uint8
		// BmAttributes: bulk streams count (bits 4:0) or isochronous Mult (bits 1:0).
		BmAttributes uint8
		// WBytesPerInterval: total bytes transferred per service interval (periodic endpoints only).
		WBytesPerInterval uint16
	}
)
