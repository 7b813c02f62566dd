package usbgadget

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget/errno"
)

// fakeTree maps ConfigFS paths into a temp directory and mimics the
// configfs behaviours the assembler relies on: the usb_gadget directory
// exists, gadget and configuration directories are born with their
// kernel-provided subdirectories, and removing a directory takes its
// attribute files and those subdirectories with it.
type fakeTree struct {
	root   string
	failOn map[string]error // path suffix -> injected error
}

func newFakeTree(t *testing.T) *fakeTree {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "usb_gadget"), 0755); err != nil {
		t.Fatal(err)
	}
	return &fakeTree{
		root:   root,
		failOn: map[string]error{},
	}
}

func (f *fakeTree) resolve(path string) string {
	return filepath.Join(f.root, strings.TrimPrefix(path, configfsRoot))
}

func (f *fakeTree) injected(path string) error {
	for suffix, err := range f.failOn {
		if strings.HasSuffix(path, suffix) {
			return err
		}
	}
	return nil
}

var autoSubdirs = []string{"strings", "configs", "functions", "os_desc"}

// kernelSubdirs lists the subdirectories configfs creates inside a new
// gadget or configuration directory.
func kernelSubdirs(path string) []string {
	parent := filepath.Dir(path)
	switch {
	case parent == filepath.Join(configfsRoot, "usb_gadget"):
		return autoSubdirs
	case filepath.Base(parent) == "configs":
		return []string{"strings"}
	}
	return nil
}

func (f *fakeTree) Mkdir(path string) error {
	if err := f.injected(path); err != nil {
		return err
	}
	real := f.resolve(path)
	if err := os.Mkdir(real, 0755); err != nil {
		return err
	}
	for _, sub := range kernelSubdirs(path) {
		if err := os.Mkdir(filepath.Join(real, sub), 0755); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTree) WriteFile(path string, data []byte) error {
	if err := f.injected(path); err != nil {
		return err
	}
	return os.WriteFile(f.resolve(path), data, 0644)
}

func (f *fakeTree) Symlink(target, link string) error {
	if err := f.injected(link); err != nil {
		return err
	}
	return os.Symlink(f.resolve(target), f.resolve(link))
}

func (f *fakeTree) Remove(path string) error {
	real := f.resolve(path)
	if fi, err := os.Lstat(real); err == nil && fi.IsDir() {
		entries, _ := os.ReadDir(real)
		for _, e := range entries {
			if e.Type().IsRegular() {
				os.Remove(filepath.Join(real, e.Name()))
			}
		}
		for _, sub := range kernelSubdirs(path) {
			os.Remove(filepath.Join(real, sub))
		}
	}
	return os.Remove(real)
}

func (f *fakeTree) Stat(path string) error {
	_, err := os.Stat(f.resolve(path))
	return err
}

func (f *fakeTree) env() bindEnv {
	return bindEnv{
		tree:          f,
		ensureMounted: func() error { return nil },
		defaultUDC:    func() (string, error) { return "dummy_udc.0", nil },
	}
}

func (f *fakeTree) gadgetDirExists(name string) bool {
	_, err := os.Stat(filepath.Join(f.root, "usb_gadget", name))
	return err == nil
}

func testGadget(fns ...Function) *Gadget {
	if len(fns) == 0 {
		fns = []Function{&KernelFunction{Template: "acm", Instance: "tty0"}}
	}
	return &Gadget{
		Name:      "g_test",
		IDVendor:  0x1234,
		IDProduct: 0x5678,
		Strings: map[LanguageID]GadgetStrings{
			0x0409: {Manufacturer: "ACME Corp", Product: "Widget", SerialNumber: "W001"},
		},
		Configurations: []*Configuration{
			{
				Index:      1,
				Attributes: ConfigAttrBusPowered,
				MaxPower:   MaxPower(50),
				Strings:    map[LanguageID]string{0x0409: "Default"},
				Functions:  fns,
			},
		},
	}
}

func TestBindProjectsGadgetTree(t *testing.T) {
	tree := newFakeTree(t)
	g := testGadget()
	if err := g.bind(BindOptions{}, tree.env()); err != nil {
		t.Fatal(err)
	}

	base := filepath.Join(tree.root, "usb_gadget", "g_test")
	for file, want := range map[string]string{
		"idVendor":                    "0x1234\n",
		"idProduct":                   "0x5678\n",
		"bcdUSB":                      "0x200\n",
		"strings/0x0409/manufacturer": "ACME Corp\n",
		"strings/0x0409/product":      "Widget\n",
		"strings/0x0409/serialnumber": "W001\n",
		"configs/c.1/MaxPower":        "50\n",
		"configs/c.1/bmAttributes":    "0x80\n",
		"UDC":                         "dummy_udc.0\n",
	} {
		data, err := os.ReadFile(filepath.Join(base, file))
		if err != nil {
			t.Errorf("%s: %v", file, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", file, data, want)
		}
	}
	if _, err := os.Lstat(filepath.Join(base, "configs/c.1/acm.tty0")); err != nil {
		t.Errorf("function symlink: %v", err)
	}
	if g.state != StateBound {
		t.Errorf("state = %v, want bound", g.state)
	}
}

func TestUnbindRemovesEverything(t *testing.T) {
	tree := newFakeTree(t)
	g := testGadget()
	if err := g.bind(BindOptions{}, tree.env()); err != nil {
		t.Fatal(err)
	}
	if err := g.Unbind(); err != nil {
		t.Fatal(err)
	}
	if tree.gadgetDirExists("g_test") {
		t.Error("gadget directory still exists after Unbind")
	}
	if g.state != StateUnbound {
		t.Errorf("state = %v, want unbound", g.state)
	}
}

func TestBindRollsBackOnUDCFailure(t *testing.T) {
	tree := newFakeTree(t)
	tree.failOn["UDC"] = unix.EACCES
	g := testGadget()
	err := g.bind(BindOptions{}, tree.env())
	if err == nil {
		t.Fatal("expected bind to fail")
	}
	var oe *errno.OsError
	if !errors.As(err, &oe) || oe.Errno != unix.EACCES {
		t.Errorf("error = %v, want EACCES OsError", err)
	}
	if tree.gadgetDirExists("g_test") {
		t.Error("gadget directory left behind after failed bind")
	}
	if g.state != StateUnbound {
		t.Errorf("state = %v, want unbound", g.state)
	}
}

func TestBindRollsBackOnPreLinkFailure(t *testing.T) {
	tree := newFakeTree(t)
	boom := errors.New("no backing file")
	fn := &KernelFunction{
		Template: "mass_storage",
		Instance: "ms0",
		Attrs:    map[string]AttrValue{"stall": IntValue(0)},
		PreLink:  func() error { return boom },
	}
	g := testGadget(fn)
	err := g.bind(BindOptions{}, tree.env())
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want pre-link failure", err)
	}
	if tree.gadgetDirExists("g_test") {
		t.Error("gadget directory left behind after failed bind")
	}
}

func TestBindRetriesBusyUDC(t *testing.T) {
	tree := newFakeTree(t)
	attempts := 0
	env := tree.env()
	env.tree = &busyOnce{configTree: tree, attempts: &attempts}
	g := testGadget()
	if err := g.bind(BindOptions{}, env); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("UDC write attempts = %d, want 2", attempts)
	}
}

type busyOnce struct {
	configTree
	attempts *int
}

func (b *busyOnce) WriteFile(path string, data []byte) error {
	if strings.HasSuffix(path, "UDC") {
		*b.attempts++
		if *b.attempts == 1 {
			return unix.EBUSY
		}
	}
	return b.configTree.WriteFile(path, data)
}

func TestBindRefusesDuplicateGadgetDir(t *testing.T) {
	tree := newFakeTree(t)
	g := testGadget()
	if err := g.bind(BindOptions{}, tree.env()); err != nil {
		t.Fatal(err)
	}
	other := testGadget()
	err := other.bind(BindOptions{}, tree.env())
	var se *errno.StateError
	if !errors.As(err, &se) {
		t.Errorf("error = %v, want StateError", err)
	}
}

func TestBindRefusesDoubleBind(t *testing.T) {
	tree := newFakeTree(t)
	g := testGadget()
	if err := g.bind(BindOptions{}, tree.env()); err != nil {
		t.Fatal(err)
	}
	var se *errno.StateError
	if err := g.bind(BindOptions{}, tree.env()); !errors.As(err, &se) {
		t.Errorf("second bind error = %v, want StateError", err)
	}
}

func TestUnbindWithoutBindIsStateError(t *testing.T) {
	g := testGadget()
	var se *errno.StateError
	if err := g.Unbind(); !errors.As(err, &se) {
		t.Errorf("error = %v, want StateError", err)
	}
}

func TestValidateRejectsBadGadgets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Gadget)
	}{
		{"empty name", func(g *Gadget) { g.Name = "" }},
		{"slash in name", func(g *Gadget) { g.Name = "a/b" }},
		{"zero vendor", func(g *Gadget) { g.IDVendor = 0 }},
		{"no configurations", func(g *Gadget) { g.Configurations = nil }},
		{"bad ep0 packet size", func(g *Gadget) { g.BMaxPacketSize0 = 17 }},
		{"duplicate instance", func(g *Gadget) {
			fn := g.Configurations[0].Functions[0]
			g.Configurations[0].Functions = append(g.Configurations[0].Functions, fn)
		}},
	}
	for _, tc := range tests {
		g := testGadget()
		tc.mutate(g)
		if err := g.validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateRejectsBadFfsFunctions(t *testing.T) {
	endpoint := EndpointDescriptor{
		BEndpointAddress: EndpointDirectionIn | 1,
		BmAttributes:     uint8(TransferTypeBulk),
		WMaxPacketSize:   64,
	}
	iface := InterfaceDescriptor{BNumEndpoints: 1, BInterfaceClass: ClassCodeVendorSpecific}

	tests := []struct {
		name string
		fn   *FfsFunction
	}{
		{"no speeds", &FfsFunction{Instance: "f0"}},
		{"speed without descriptors", &FfsFunction{
			Instance: "f0",
			Speeds:   []Speed{SpeedFull},
		}},
		{"no interface", &FfsFunction{
			Instance:    "f0",
			Speeds:      []Speed{SpeedFull},
			Descriptors: DescriptorTable{FullSpeed: []Encodable{endpoint}},
		}},
		{"no endpoints", &FfsFunction{
			Instance:    "f0",
			Speeds:      []Speed{SpeedFull},
			Descriptors: DescriptorTable{FullSpeed: []Encodable{iface}},
		}},
		{"endpoint number 0", &FfsFunction{
			Instance: "f0",
			Speeds:   []Speed{SpeedFull},
			Descriptors: DescriptorTable{FullSpeed: []Encodable{iface, EndpointDescriptor{
				BEndpointAddress: EndpointDirectionIn | 0,
				BmAttributes:     uint8(TransferTypeBulk),
				WMaxPacketSize:   64,
			}}},
		}},
		{"control endpoint", &FfsFunction{
			Instance: "f0",
			Speeds:   []Speed{SpeedFull},
			Descriptors: DescriptorTable{FullSpeed: []Encodable{iface, EndpointDescriptor{
				BEndpointAddress: EndpointDirectionIn | 1,
				BmAttributes:     uint8(TransferTypeControl),
				WMaxPacketSize:   64,
			}}},
		}},
		{"sync bits on bulk endpoint", &FfsFunction{
			Instance: "f0",
			Speeds:   []Speed{SpeedFull},
			Descriptors: DescriptorTable{FullSpeed: []Encodable{iface, EndpointDescriptor{
				BEndpointAddress: EndpointDirectionIn | 1,
				BmAttributes:     uint8(TransferTypeBulk) | uint8(SynchronizationTypeAsynchronous)<<2,
				WMaxPacketSize:   64,
			}}},
		}},
		{"full-speed bulk packet too large", &FfsFunction{
			Instance: "f0",
			Speeds:   []Speed{SpeedFull},
			Descriptors: DescriptorTable{FullSpeed: []Encodable{iface, EndpointDescriptor{
				BEndpointAddress: EndpointDirectionIn | 1,
				BmAttributes:     uint8(TransferTypeBulk),
				WMaxPacketSize:   512,
			}}},
		}},
		{"high-speed interrupt packet too large", &FfsFunction{
			Instance: "f0",
			Speeds:   []Speed{SpeedHigh},
			Descriptors: DescriptorTable{HighSpeed: []Encodable{iface, EndpointDescriptor{
				BEndpointAddress: EndpointDirectionIn | 1,
				BmAttributes:     uint8(TransferTypeInterrupt),
				WMaxPacketSize:   1025,
			}}},
		}},
	}
	for _, tc := range tests {
		g := testGadget(tc.fn)
		if err := g.validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateAcceptsIsochronousSyncBits(t *testing.T) {
	fn := &FfsFunction{
		Instance: "audio0",
		Speeds:   []Speed{SpeedFull},
		Descriptors: DescriptorTable{FullSpeed: []Encodable{
			InterfaceDescriptor{BNumEndpoints: 1, BInterfaceClass: ClassCodeInterfaceAudio},
			EndpointDescriptor{
				BEndpointAddress: EndpointDirectionIn | 1,
				BmAttributes: uint8(TransferTypeIsochronous) |
					uint8(SynchronizationTypeAsynchronous)<<2 |
					uint8(UsageTypeFeedback)<<4,
				WMaxPacketSize: 1023,
				BInterval:      1,
			},
		}},
	}
	if err := testGadget(fn).validate(); err != nil {
		t.Fatal(err)
	}
}

func TestWriteAttrOnceRefusesSecondWrite(t *testing.T) {
	tree := newFakeTree(t)
	bs := &bindState{env: tree.env(), writtenAttrs: map[string]bool{}}
	path := filepath.Join(configfsRoot, "usb_gadget", "x", "idVendor")
	if err := os.MkdirAll(filepath.Dir(tree.resolve(path)), 0755); err != nil {
		t.Fatal(err)
	}
	if err := bs.writeAttrOnce(path, HexValue(0x1234)); err != nil {
		t.Fatal(err)
	}
	var se *errno.StateError
	if err := bs.writeAttrOnce(path, HexValue(0x5678)); !errors.As(err, &se) {
		t.Errorf("second write error = %v, want StateError", err)
	}
}
