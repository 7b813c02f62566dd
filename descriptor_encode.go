package usbgadget

import "fmt"

// Encodable is anything this package's descriptor codec can turn into a
// bit-exact little-endian byte sequence for the FunctionFS descriptor
// table. Decode is deliberately not provided — a round trip back to
// structured fields is never required.
type Encodable interface {
	Encode() []byte
}

func le16(v uint16) (lo, hi byte) {
	return byte(v), byte(v >> 8)
}

// Encode renders a standard interface descriptor: bLength=9, type=0x04.
func (i InterfaceDescriptor) Encode() []byte {
	return []byte{
		9, byte(DescriptorTypeInterface),
		i.BInterfaceNumber,
		i.BAlternateSetting,
		i.BNumEndpoints,
		byte(i.BInterfaceClass),
		byte(i.BInterfaceSubClass),
		i.BInterfaceProtocol,
		i.IInterface,
	}
}

// Encode renders an interface-association descriptor: bLength=8, type=0x0B.
func (a InterfaceAssociationDescriptor) Encode() []byte {
	return []byte{
		8, byte(DescriptorTypeInterfaceAssociation),
		a.BFirstInterface,
		a.BInterfaceCount,
		byte(a.BFunctionClass),
		byte(a.BFunctionSubClass),
		a.BFunctionProtocol,
		a.IFunction,
	}
}

// Encode renders a standard endpoint descriptor: bLength=7, type=0x05.
// bEndpointAddress encodes direction (IN=0x80) | endpoint number (1..15);
// wMaxPacketSize is little-endian, including any high-bandwidth
// additional-transactions bits the caller already folded in.
func (e EndpointDescriptor) Encode() []byte {
	lo, hi := le16(e.WMaxPacketSize)
	return []byte{
		7, byte(DescriptorTypeEndpoint),
		e.BEndpointAddress,
		e.BmAttributes,
		lo, hi,
		e.BInterval,
	}
}

// Encode renders a SuperSpeed Endpoint Companion descriptor: bLength=6,
// type=0x30. Emitted immediately after the endpoint descriptor it
// describes, for functions realised at SuperSpeed.
func (c SSEndpointCompanionDescriptor) Encode() []byte {
	lo, hi := le16(c.WBytesPerInterval)
	return []byte{
		6, byte(DescriptorTypeSuperSpeedUSBEndpointCompanion),
		c.BMaxBurst,
		c.BmAttributes,
		lo, hi,
	}
}

const (
	hidDescriptorType   = 0x21
	hidReportDescType   = 0x22
	hidPhysicalDescType = 0x23
)

// HIDDescriptor is the HID class descriptor: HID version,
// country code, and a subordinate-descriptor table naming the report
// descriptor (and, optionally, a physical descriptor) by type and length.
// The report descriptor bytes themselves are not embedded here; they are
// returned separately on GET_DESCRIPTOR(Report).
type HIDDescriptor struct {
	BcdHID                   uint16
	CountryCode              uint8
	ReportDescriptorLength   uint16
	PhysicalDescriptorLength uint16 // 0 when there is no physical descriptor
}

// Encode renders the HID descriptor: bLength 9 (no physical descriptor)
// or 12 (with one), type=0x21.
func (h HIDDescriptor) Encode() []byte {
	numDescriptors := uint8(1)
	length := uint8(9)
	if h.PhysicalDescriptorLength > 0 {
		numDescriptors = 2
		length = 12
	}
	bcdLo, bcdHi := le16(h.BcdHID)
	rLo, rHi := le16(h.ReportDescriptorLength)
	out := []byte{
		length, hidDescriptorType,
		bcdLo, bcdHi,
		h.CountryCode,
		numDescriptors,
		hidReportDescType, rLo, rHi,
	}
	if numDescriptors == 2 {
		pLo, pHi := le16(h.PhysicalDescriptorLength)
		out = append(out, hidPhysicalDescType, pLo, pHi)
	}
	return out
}

// FunctionFS descriptor-table blob header flags and magic. Magic/flag
// values come from <linux/usb/functionfs.h>.
const (
	ffsDescriptorsMagicV2 = 0x00000003

	ffsHasFSDesc = 1 << 0
	ffsHasHSDesc = 1 << 1
	ffsHasSSDesc = 1 << 2
)

// DescriptorTable is the per-speed ordered descriptor list FunctionFS
// expects, realised per declared speed.
type DescriptorTable struct {
	FullSpeed  []Encodable
	HighSpeed  []Encodable
	SuperSpeed []Encodable
}

func encodeAll(items []Encodable) []byte {
	var buf []byte
	for _, it := range items {
		buf = append(buf, it.Encode()...)
	}
	return buf
}

// EncodeBlob renders the FunctionFs descriptor-table blob written to
// ep0: a V2 header naming which speeds are present, a per-speed
// descriptor count, then the concatenated descriptors for each included
// speed in fs/hs/ss order.
func (t DescriptorTable) EncodeBlob() ([]byte, error) {
	if len(t.FullSpeed) == 0 && len(t.HighSpeed) == 0 && len(t.SuperSpeed) == 0 {
		return nil, fmt.Errorf("usbgadget: descriptor table declares no speeds")
	}
	var flags uint32
	var counts []uint32
	var bodies [][]byte
	if len(t.FullSpeed) > 0 {
		flags |= ffsHasFSDesc
		counts = append(counts, uint32(len(t.FullSpeed)))
		bodies = append(bodies, encodeAll(t.FullSpeed))
	}
	if len(t.HighSpeed) > 0 {
		flags |= ffsHasHSDesc
		counts = append(counts, uint32(len(t.HighSpeed)))
		bodies = append(bodies, encodeAll(t.HighSpeed))
	}
	if len(t.SuperSpeed) > 0 {
		flags |= ffsHasSSDesc
		counts = append(counts, uint32(len(t.SuperSpeed)))
		bodies = append(bodies, encodeAll(t.SuperSpeed))
	}

	headerLen := 4 + 4 + 4 + 4*len(counts)
	total := headerLen
	for _, b := range bodies {
		total += len(b)
	}

	out := make([]byte, 0, total)
	out = appendU32(out, ffsDescriptorsMagicV2)
	out = appendU32(out, uint32(total))
	out = appendU32(out, flags)
	for _, c := range counts {
		out = appendU32(out, c)
	}
	for _, b := range bodies {
		out = append(out, b...)
	}
	return out, nil
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

const ffsStringsMagic = 0x00000002

// LanguageStrings is one LANGID's worth of strings for the FunctionFs
// strings blob, in the exact order referenced by iInterface/iString
// fields.
type LanguageStrings struct {
	LangID  uint16
	Strings []string
}

// StringsTable is the full per-language strings set for a function.
type StringsTable struct {
	Languages []LanguageStrings
}

// EncodeBlob renders the FunctionFs strings blob written to ep0 after the
// descriptor blob. Every language must carry
// the same number of strings; that count becomes the header's strCount.
func (t StringsTable) EncodeBlob() ([]byte, error) {
	strCount := 0
	if len(t.Languages) > 0 {
		strCount = len(t.Languages[0].Strings)
	}
	for _, lang := range t.Languages {
		if len(lang.Strings) != strCount {
			return nil, fmt.Errorf("usbgadget: language 0x%04x has %d strings, want %d", lang.LangID, len(lang.Strings), strCount)
		}
	}

	var body []byte
	for _, lang := range t.Languages {
		body = appendU16(body, lang.LangID)
		for _, s := range lang.Strings {
			body = append(body, []byte(s)...)
			body = append(body, 0)
		}
	}

	headerLen := 16
	total := headerLen + len(body)
	out := make([]byte, 0, total)
	out = appendU32(out, ffsStringsMagic)
	out = appendU32(out, uint32(total))
	out = appendU32(out, uint32(strCount))
	out = appendU32(out, uint32(len(t.Languages)))
	out = append(out, body...)
	return out, nil
}
