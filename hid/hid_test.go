package hid

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget"
	"github.com/daedaluz/usbgadget/ffs"
)

var testReportDesc = bytes.Repeat([]byte{0x05}, 63)

func testFunction(cb Callbacks) *Function {
	return New("kbd0", Config{
		ReportDescriptor: testReportDesc,
		Subclass:         SubclassBoot,
		Protocol:         ProtocolKeyboard,
		InPacketSize:     8,
		Callbacks:        cb,
	})
}

func TestDescriptorSynthesisInputOnly(t *testing.T) {
	f := testFunction(Callbacks{})
	table := f.FfsFunction.Descriptors

	for _, list := range [][]usbgadget.Encodable{table.FullSpeed, table.HighSpeed} {
		if len(list) != 3 {
			t.Fatalf("descriptor list has %d items, want interface+hid+endpoint", len(list))
		}
		iface := list[0].(usbgadget.InterfaceDescriptor)
		if iface.BInterfaceClass != usbgadget.ClassCodeInterfaceHID {
			t.Errorf("class = %v", iface.BInterfaceClass)
		}
		if iface.BNumEndpoints != 1 {
			t.Errorf("numEndpoints = %d, want 1", iface.BNumEndpoints)
		}
		if uint8(iface.BInterfaceSubClass) != uint8(SubclassBoot) || iface.BInterfaceProtocol != uint8(ProtocolKeyboard) {
			t.Error("boot keyboard subclass/protocol not carried through")
		}
		hidDesc := list[1].(usbgadget.HIDDescriptor)
		if hidDesc.ReportDescriptorLength != 63 {
			t.Errorf("report descriptor length = %d", hidDesc.ReportDescriptorLength)
		}
		ep := list[2].(usbgadget.EndpointDescriptor)
		if ep.BEndpointAddress != 0x81 {
			t.Errorf("endpoint address = %#x, want 0x81 (interrupt IN)", ep.BEndpointAddress)
		}
		if ep.WMaxPacketSize != 8 {
			t.Errorf("wMaxPacketSize = %d, want 8", ep.WMaxPacketSize)
		}
	}
}

func TestDescriptorSynthesisWithOutput(t *testing.T) {
	f := New("kbd0", Config{
		ReportDescriptor: testReportDesc,
		InPacketSize:     8,
		OutPacketSize:    8,
	})
	list := f.FfsFunction.Descriptors.FullSpeed
	if len(list) != 4 {
		t.Fatalf("descriptor list has %d items, want 4 with OUT endpoint", len(list))
	}
	iface := list[0].(usbgadget.InterfaceDescriptor)
	if iface.BNumEndpoints != 2 {
		t.Errorf("numEndpoints = %d, want 2", iface.BNumEndpoints)
	}
	out := list[3].(usbgadget.EndpointDescriptor)
	if out.BEndpointAddress != 0x02 {
		t.Errorf("OUT endpoint address = %#x, want 0x02", out.BEndpointAddress)
	}
}

func ctrlPair(t *testing.T, req ffs.SetupRequest) (*ffs.ControlTransfer, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return ffs.NewControlTransfer(fds[0], req), fds[1]
}

func TestGetReportDescriptor(t *testing.T) {
	f := testFunction(Callbacks{})
	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionIn | ffs.RequestTypeStandard | ffs.RequestRecipientInterface,
		BRequest:      0x06,
		WValue:        uint16(descTypeReport) << 8,
		WLength:       uint16(len(testReportDesc)),
	}
	ctrl, peer := ctrlPair(t, req)
	if err := f.onSetup(req, ctrl); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 128)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], testReportDesc) {
		t.Errorf("report descriptor on wire has %d bytes, want %d", n, len(testReportDesc))
	}
}

func TestGetReportDescriptorTruncatesToWLength(t *testing.T) {
	f := testFunction(Callbacks{})
	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionIn | ffs.RequestTypeStandard | ffs.RequestRecipientInterface,
		BRequest:      0x06,
		WValue:        uint16(descTypeReport) << 8,
		WLength:       16,
	}
	ctrl, peer := ctrlPair(t, req)
	if err := f.onSetup(req, ctrl); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 128)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Errorf("wrote %d bytes, want 16", n)
	}
}

func TestGetReportCallsCallback(t *testing.T) {
	var gotType ReportType
	var gotID uint8
	f := testFunction(Callbacks{
		OnGetReport: func(typ ReportType, id uint8, length uint16) ([]byte, error) {
			gotType, gotID = typ, id
			return []byte{0xAA, 0xBB}, nil
		},
	})
	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionIn | ffs.RequestTypeClass | ffs.RequestRecipientInterface,
		BRequest:      reqGetReport,
		WValue:        uint16(ReportTypeFeature)<<8 | 3,
		WLength:       8,
	}
	ctrl, peer := ctrlPair(t, req)
	if err := f.onSetup(req, ctrl); err != nil {
		t.Fatal(err)
	}
	if gotType != ReportTypeFeature || gotID != 3 {
		t.Errorf("callback saw type=%d id=%d", gotType, gotID)
	}
	buf := make([]byte, 8)
	n, _ := unix.Read(peer, buf)
	if !bytes.Equal(buf[:n], []byte{0xAA, 0xBB}) {
		t.Errorf("report on wire = % x", buf[:n])
	}
}

func TestGetReportWithoutCallbackStalls(t *testing.T) {
	f := testFunction(Callbacks{})
	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionIn | ffs.RequestTypeClass | ffs.RequestRecipientInterface,
		BRequest:      reqGetReport,
		WLength:       8,
	}
	ctrl, _ := ctrlPair(t, req)
	if err := f.onSetup(req, ctrl); err != ffs.ErrStall {
		t.Errorf("error = %v, want ErrStall", err)
	}
}

func TestSetReportDeliversDataStage(t *testing.T) {
	var got []byte
	f := testFunction(Callbacks{
		OnSetReport: func(typ ReportType, id uint8, data []byte) error {
			got = append([]byte(nil), data...)
			return nil
		},
	})
	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionOut | ffs.RequestTypeClass | ffs.RequestRecipientInterface,
		BRequest:      reqSetReport,
		WValue:        uint16(ReportTypeOutput) << 8,
		WLength:       2,
	}
	ctrl, peer := ctrlPair(t, req)
	if _, err := unix.Write(peer, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if err := f.onSetup(req, ctrl); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Errorf("callback saw % x", got)
	}
}

func TestIdleTable(t *testing.T) {
	var cbID, cbDur uint8
	f := testFunction(Callbacks{
		OnSetIdle: func(id, duration uint8) { cbID, cbDur = id, duration },
	})

	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionOut | ffs.RequestTypeClass | ffs.RequestRecipientInterface,
		BRequest:      reqSetIdle,
		WValue:        uint16(125)<<8 | 2, // 500 ms for report id 2
	}
	ctrl, _ := ctrlPair(t, req)
	if err := f.onSetup(req, ctrl); err != nil {
		t.Fatal(err)
	}
	if cbID != 2 || cbDur != 125 {
		t.Errorf("callback saw id=%d duration=%d", cbID, cbDur)
	}
	if f.IdleDuration(2) != 125 {
		t.Errorf("IdleDuration(2) = %d", f.IdleDuration(2))
	}
	// Unset ids fall back to the id-0 entry (0 = indefinite here).
	if f.IdleDuration(9) != 0 {
		t.Errorf("IdleDuration(9) = %d, want 0", f.IdleDuration(9))
	}

	getReq := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionIn | ffs.RequestTypeClass | ffs.RequestRecipientInterface,
		BRequest:      reqGetIdle,
		WValue:        2,
		WLength:       1,
	}
	getCtrl, peer := ctrlPair(t, getReq)
	if err := f.onSetup(getReq, getCtrl); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := unix.Read(peer, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 125 {
		t.Errorf("GET_IDLE returned %d", buf[0])
	}
}

func TestProtocolToggle(t *testing.T) {
	var sawBoot bool
	f := testFunction(Callbacks{
		OnSetProtocol: func(boot bool) { sawBoot = boot },
	})
	if f.BootMode() {
		t.Fatal("boot mode set before SET_PROTOCOL")
	}

	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionOut | ffs.RequestTypeClass | ffs.RequestRecipientInterface,
		BRequest:      reqSetProtocol,
		WValue:        0, // boot protocol
	}
	ctrl, _ := ctrlPair(t, req)
	if err := f.onSetup(req, ctrl); err != nil {
		t.Fatal(err)
	}
	if !f.BootMode() || !sawBoot {
		t.Error("boot protocol not recorded")
	}

	getReq := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionIn | ffs.RequestTypeClass | ffs.RequestRecipientInterface,
		BRequest:      reqGetProtocol,
		WLength:       1,
	}
	getCtrl, peer := ctrlPair(t, getReq)
	if err := f.onSetup(getReq, getCtrl); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := unix.Read(peer, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0 {
		t.Errorf("GET_PROTOCOL returned %d, want 0 (boot)", buf[0])
	}
}

func TestUnknownRequestStalls(t *testing.T) {
	f := testFunction(Callbacks{})
	req := ffs.SetupRequest{
		BmRequestType: ffs.RequestDirectionOut | ffs.RequestTypeVendor | ffs.RequestRecipientDevice,
		BRequest:      0x42,
	}
	ctrl, _ := ctrlPair(t, req)
	if err := f.onSetup(req, ctrl); err != ffs.ErrStall {
		t.Errorf("error = %v, want ErrStall", err)
	}
}

func TestSendReportBeforeBindIsStateError(t *testing.T) {
	f := testFunction(Callbacks{})
	if err := f.SendReport(make([]byte, 8)); err == nil {
		t.Error("expected error before bind")
	}
}
