package hid

import (
	"github.com/daedaluz/usbgadget/ffs"
)

// onSetup answers the control requests a HID interface owns. Standard
// GET_DESCRIPTOR for the report descriptor is forwarded here by the
// kernel because only userspace holds the report descriptor bytes; the
// six HID class requests are dispatched to the idle/protocol tables and
// the user callbacks. Anything else is stalled.
func (f *Function) onSetup(req ffs.SetupRequest, ctrl *ffs.ControlTransfer) error {
	if req.BmRequestType.Type() == ffs.RequestTypeStandard {
		return f.onStandard(req, ctrl)
	}
	if req.BmRequestType.Type() != ffs.RequestTypeClass ||
		req.BmRequestType.Recipient() != ffs.RequestRecipientInterface {
		return ffs.ErrStall
	}

	switch req.BRequest {
	case reqGetReport:
		typ := ReportType(req.WValue >> 8)
		id := uint8(req.WValue)
		if f.cfg.Callbacks.OnGetReport == nil {
			return ffs.ErrStall
		}
		report, err := f.cfg.Callbacks.OnGetReport(typ, id, req.WLength)
		if err != nil {
			return err
		}
		if len(report) > int(req.WLength) {
			report = report[:req.WLength]
		}
		return ctrl.WriteData(report)

	case reqSetReport:
		typ := ReportType(req.WValue >> 8)
		id := uint8(req.WValue)
		data, err := ctrl.ReadData()
		if err != nil {
			return err
		}
		if f.cfg.Callbacks.OnSetReport != nil {
			return f.cfg.Callbacks.OnSetReport(typ, id, data)
		}
		return nil

	case reqGetIdle:
		id := uint8(req.WValue)
		return ctrl.WriteData([]byte{f.IdleDuration(id)})

	case reqSetIdle:
		duration := uint8(req.WValue >> 8)
		id := uint8(req.WValue)
		f.mu.Lock()
		f.idle[id] = duration
		f.mu.Unlock()
		if f.cfg.Callbacks.OnSetIdle != nil {
			f.cfg.Callbacks.OnSetIdle(id, duration)
		}
		// No data stage; reading zero bytes acknowledges the status
		// stage.
		_, err := ctrl.ReadData()
		return err

	case reqGetProtocol:
		v := byte(1) // report protocol
		if f.BootMode() {
			v = 0
		}
		return ctrl.WriteData([]byte{v})

	case reqSetProtocol:
		boot := req.WValue == 0
		f.mu.Lock()
		f.bootMode = boot
		f.mu.Unlock()
		if f.cfg.Callbacks.OnSetProtocol != nil {
			f.cfg.Callbacks.OnSetProtocol(boot)
		}
		_, err := ctrl.ReadData()
		return err
	}
	return ffs.ErrStall
}

// onStandard answers the one standard request the kernel cannot: the
// interface-recipient GET_DESCRIPTOR for the HID report descriptor. Every
// other descriptor type, the physical descriptor included, is stalled.
func (f *Function) onStandard(req ffs.SetupRequest, ctrl *ffs.ControlTransfer) error {
	const getDescriptor = 0x06
	if req.BRequest != getDescriptor || !req.IsDeviceToHost() {
		return ffs.ErrStall
	}
	switch uint8(req.WValue >> 8) {
	case descTypeReport:
		desc := f.cfg.ReportDescriptor
		if len(desc) > int(req.WLength) {
			desc = desc[:req.WLength]
		}
		return ctrl.WriteData(desc)
	}
	return ffs.ErrStall
}
