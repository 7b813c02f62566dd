package ffs

import "encoding/binary"

// EventType is the FunctionFS ep0 event kind (<linux/usb/functionfs.h>
// enum usb_functionfs_event_type).
type EventType uint8

const (
	EventBind EventType = iota
	EventUnbind
	EventEnable
	EventDisable
	EventSetup
	EventSuspend
	EventResume
)

func (t EventType) String() string {
	switch t {
	case EventBind:
		return "BIND"
	case EventUnbind:
		return "UNBIND"
	case EventEnable:
		return "ENABLE"
	case EventDisable:
		return "DISABLE"
	case EventSetup:
		return "SETUP"
	case EventSuspend:
		return "SUSPEND"
	case EventResume:
		return "RESUME"
	}
	return "UNKNOWN"
}

// event is the fixed-size wire record: struct usb_functionfs_event is a
// union of the 8-byte usb_ctrlrequest (only populated for SETUP) padded
// to match, followed by a type byte and 3 reserved pad bytes. 12 bytes
// total.
const eventRecordSize = 12

// decodeEvents splits buf (the bytes read from one ep0 read(2) call)
// into its fixed-size event records; a single read can deliver several.
func decodeEvents(buf []byte) []rawEvent {
	n := len(buf) / eventRecordSize
	out := make([]rawEvent, 0, n)
	for i := 0; i < n; i++ {
		rec := buf[i*eventRecordSize : (i+1)*eventRecordSize]
		ev := rawEvent{
			Type: EventType(rec[8]),
		}
		if ev.Type == EventSetup {
			ev.Setup = SetupRequest{
				BmRequestType: RequestType(rec[0]),
				BRequest:      rec[1],
				WValue:        binary.LittleEndian.Uint16(rec[2:4]),
				WIndex:        binary.LittleEndian.Uint16(rec[4:6]),
				WLength:       binary.LittleEndian.Uint16(rec[6:8]),
			}
		}
		out = append(out, ev)
	}
	return out
}

type rawEvent struct {
	Type  EventType
	Setup SetupRequest
}
