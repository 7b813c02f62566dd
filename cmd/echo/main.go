// Command echo assembles a gadget with one vendor-specific FunctionFS
// function (bulk IN ep1, bulk OUT ep2) and loops every byte the host
// writes straight back at it.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/daedaluz/usbgadget"
	"github.com/daedaluz/usbgadget/ffs"
)

func bulkDescriptors(maxPacket uint16) []usbgadget.Encodable {
	return []usbgadget.Encodable{
		usbgadget.InterfaceDescriptor{
			BNumEndpoints:   2,
			BInterfaceClass: usbgadget.ClassCodeVendorSpecific,
		},
		usbgadget.EndpointDescriptor{
			BEndpointAddress: usbgadget.EndpointDirectionIn | 1,
			BmAttributes:     uint8(usbgadget.TransferTypeBulk),
			WMaxPacketSize:   maxPacket,
		},
		usbgadget.EndpointDescriptor{
			BEndpointAddress: usbgadget.EndpointDirectionOut | 2,
			BmAttributes:     uint8(usbgadget.TransferTypeBulk),
			WMaxPacketSize:   maxPacket,
		},
	}
}

func main() {
	udc := flag.String("udc", "", "UDC name to bind (default: first available)")
	mountRoot := flag.String("ffs", "/dev/ffs", "FunctionFS mount root")
	flag.Parse()

	fn := &usbgadget.FfsFunction{
		Instance: "echo0",
		Descriptors: usbgadget.DescriptorTable{
			FullSpeed: bulkDescriptors(64),
			HighSpeed: bulkDescriptors(512),
		},
		Speeds: []usbgadget.Speed{usbgadget.SpeedFull, usbgadget.SpeedHigh},
	}

	done := make(chan struct{})
	fn.Handlers = ffs.Handlers{
		OnEnable: func() error {
			go echoLoop(fn, done)
			return nil
		},
		OnDisable: func() error {
			close(done)
			done = make(chan struct{})
			return nil
		},
	}

	gadget := &usbgadget.Gadget{
		Name:      "bulk_echo",
		IDVendor:  0x1234,
		IDProduct: 0x567A,
		Strings: map[usbgadget.LanguageID]usbgadget.GadgetStrings{
			0x0409: {Manufacturer: "ACME Corp", Product: "Bulk Echo", SerialNumber: "EC001"},
		},
		Configurations: []*usbgadget.Configuration{
			{
				Index:      1,
				Attributes: usbgadget.ConfigAttrBusPowered,
				MaxPower:   usbgadget.MaxPower(50),
				Functions:  []usbgadget.Function{fn},
			},
		},
	}

	if err := gadget.Bind(usbgadget.BindOptions{UDC: *udc, FfsMountRoot: *mountRoot}); err != nil {
		log.Fatalln("bind:", err)
	}
	defer gadget.Unbind()

	log.Println("bound, echoing until interrupted")
	for {
		time.Sleep(time.Hour)
	}
}

// echoLoop pumps OUT chunks back into the IN endpoint until the host
// disables the function.
func echoLoop(fn *usbgadget.FfsFunction, done chan struct{}) {
	rt := fn.Runtime()
	in, ok := rt.InEndpoint(usbgadget.EndpointDirectionIn | 1)
	if !ok {
		log.Println("echo: IN endpoint not open")
		return
	}
	out, ok := rt.OutEndpoint(usbgadget.EndpointDirectionOut | 2)
	if !ok {
		log.Println("echo: OUT endpoint not open")
		return
	}
	stream, err := out.Stream(0, 0, nil)
	if err != nil {
		log.Println("echo: stream:", err)
		return
	}
	stream.Demand(4)
	for {
		select {
		case <-done:
			return
		case chunk, open := <-stream.Chunks():
			if !open || chunk.Err != nil {
				if chunk.Err != nil {
					log.Println("echo: read:", chunk.Err)
				}
				return
			}
			if _, err := in.Write(chunk.Data); err != nil {
				log.Println("echo: write:", err)
				return
			}
			stream.Demand(1)
		}
	}
}
