// Command hidkbd assembles a composite gadget with one boot-keyboard HID
// function, waits for the host to configure it, and types a line of text
// by sending interrupt IN reports.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/daedaluz/usbgadget"
	"github.com/daedaluz/usbgadget/hid"
)

// Standard 63-byte boot keyboard report descriptor: 8-bit modifier
// bitmap, reserved byte, and six keycode slots.
var keyboardReportDesc = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, //   Usage Page (Key Codes)
	0x19, 0xE0, //   Usage Minimum (224)
	0x29, 0xE7, //   Usage Maximum (231)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x01, //   Logical Maximum (1)
	0x75, 0x01, //   Report Size (1)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x08, //   Report Size (8)
	0x81, 0x01, //   Input (Constant)
	0x95, 0x05, //   Report Count (5)
	0x75, 0x01, //   Report Size (1)
	0x05, 0x08, //   Usage Page (LEDs)
	0x19, 0x01, //   Usage Minimum (1)
	0x29, 0x05, //   Usage Maximum (5)
	0x91, 0x02, //   Output (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x03, //   Report Size (3)
	0x91, 0x01, //   Output (Constant)
	0x95, 0x06, //   Report Count (6)
	0x75, 0x08, //   Report Size (8)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x65, //   Logical Maximum (101)
	0x05, 0x07, //   Usage Page (Key Codes)
	0x19, 0x00, //   Usage Minimum (0)
	0x29, 0x65, //   Usage Maximum (101)
	0x81, 0x00, //   Input (Data, Array)
	0xC0, // End Collection
}

// "hello world\n" as HID usage ids.
var helloWorld = []byte{0x0B, 0x08, 0x0F, 0x0F, 0x12, 0x2C, 0x1A, 0x12, 0x15, 0x0F, 0x07, 0x28}

func main() {
	udc := flag.String("udc", "", "UDC name to bind (default: first available)")
	mountRoot := flag.String("ffs", "/dev/ffs", "FunctionFS mount root")
	flag.Parse()

	kbd := hid.New("kbd0", hid.Config{
		ReportDescriptor: keyboardReportDesc,
		Subclass:         hid.SubclassBoot,
		Protocol:         hid.ProtocolKeyboard,
		InPacketSize:     8,
	})

	gadget := &usbgadget.Gadget{
		Name:      "hid_keyboard",
		IDVendor:  0x1234,
		IDProduct: 0x5679,
		Strings: map[usbgadget.LanguageID]usbgadget.GadgetStrings{
			0x0409: {
				Manufacturer: "ACME Corp",
				Product:      "USB Keyboard",
				SerialNumber: "KB001",
			},
		},
		Configurations: []*usbgadget.Configuration{
			{
				Index:      1,
				Attributes: usbgadget.ConfigAttrBusPowered,
				MaxPower:   usbgadget.MaxPower(50),
				Functions:  []usbgadget.Function{kbd.FfsFunction},
			},
		},
	}

	if err := gadget.Bind(usbgadget.BindOptions{UDC: *udc, FfsMountRoot: *mountRoot}); err != nil {
		log.Fatalln("bind:", err)
	}
	defer gadget.Unbind()

	if err := gadget.WaitForState(usbgadget.StateConfigured, 30*time.Second); err != nil {
		log.Fatalln("waiting for host:", err)
	}
	log.Println("configured, typing")

	for _, key := range helloWorld {
		press := [8]byte{2: key}
		if err := kbd.SendReport(press[:]); err != nil {
			log.Fatalln("send report:", err)
		}
		var release [8]byte
		if err := kbd.SendReport(release[:]); err != nil {
			log.Fatalln("send report:", err)
		}
	}
	log.Println("done")
}
