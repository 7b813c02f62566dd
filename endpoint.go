package usbgadget

// Accessors over an endpoint descriptor's bmAttributes bit fields. The
// encoder takes bmAttributes as the caller composed it; validation uses
// these to check the composition before a gadget is bound.

type (
	TransferType        uint8
	SynchronizationType uint8
	UsageType           uint8
)

const (
	TransferTypeControl = TransferType(iota)
	TransferTypeIsochronous
	TransferTypeBulk
	TransferTypeInterrupt
)

// Synchronization and usage types occupy bits 3:2 and 5:4 of
// bmAttributes; both are defined for isochronous endpoints only and are
// reserved-zero for every other transfer type.
const (
	SynchronizationTypeNoSync = SynchronizationType(iota)
	SynchronizationTypeAsynchronous
	SynchronizationTypeAdaptive
	SynchronizationTypeSynchronous
)

const (
	UsageTypeData = UsageType(iota)
	UsageTypeFeedback
	UsageTypeExplicitFeedbackData
	UsageTypeReserved
)

const (
	EndpointDirectionIn  = 0x80
	EndpointDirectionOut = 0x00
)

// Number returns the endpoint number (1..15) from bEndpointAddress.
func (ep *EndpointDescriptor) Number() uint8 {
	return ep.BEndpointAddress & 0b00001111
}

func (ep *EndpointDescriptor) TransferType() TransferType {
	return TransferType(ep.BmAttributes & 0b00000011)
}

func (ep *EndpointDescriptor) SynchronizationType() SynchronizationType {
	return SynchronizationType((ep.BmAttributes & 0b00001100) >> 2)
}

func (ep *EndpointDescriptor) UsageType() UsageType {
	return UsageType((ep.BmAttributes & 0b00110000) >> 4)
}

// PacketSize returns the packet size portion of wMaxPacketSize, without
// the high-bandwidth additional-transactions bits (12:11).
func (ep *EndpointDescriptor) PacketSize() uint16 {
	return ep.WMaxPacketSize & 0x07FF
}
