package usbgadget

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/daedaluz/usbgadget/errno"
	"github.com/daedaluz/usbgadget/ffs"
)

const (
	busyRetries    = 3
	busyRetryDelay = 50 * time.Millisecond

	defaultFfsMountRoot = "/dev/ffs"
)

// BindOptions carries the knobs Bind leaves to the caller: which UDC to
// bind to (default: the first one DefaultUDC() finds) and where to mount
// FunctionFs instances.
type BindOptions struct {
	UDC          string
	FfsMountRoot string
}

// configTree is the filesystem surface the assembler drives. The only
// implementation outside tests is osConfigTree; tests substitute a fake
// rooted in a temp directory so teardown behaviour can be exercised
// without CAP_SYS_ADMIN or a real UDC.
type configTree interface {
	Mkdir(path string) error
	WriteFile(path string, data []byte) error
	Symlink(target, link string) error
	Remove(path string) error
	Stat(path string) error
}

type osConfigTree struct{}

func (osConfigTree) Mkdir(path string) error { return os.Mkdir(path, 0755) }
func (osConfigTree) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}
func (osConfigTree) Symlink(target, link string) error { return os.Symlink(target, link) }
func (osConfigTree) Remove(path string) error          { return os.Remove(path) }
func (osConfigTree) Stat(path string) error {
	_, err := os.Stat(path)
	return err
}

// bindEnv bundles the assembler's external dependencies so a test can
// swap in a fake tree and a canned UDC list.
type bindEnv struct {
	tree          configTree
	ensureMounted func() error
	defaultUDC    func() (string, error)
}

var osBindEnv = bindEnv{
	tree:          osConfigTree{},
	ensureMounted: ensureConfigFSMounted,
	defaultUDC:    DefaultUDC,
}

// bindState is the assembler's compensation log: every ConfigFS effect
// (directory created, symlink created, UDC written) in the order it
// happened, reversed in LIFO order on failure or on Unbind.
type bindState struct {
	mu           sync.Mutex
	env          bindEnv
	gadgetDir    string
	undo         []func()
	writtenAttrs map[string]bool
	ffsRuntimes  []*ffs.Runtime
	udcName      string
}

func (bs *bindState) record(undo func()) {
	bs.undo = append(bs.undo, undo)
}

// rollback pops and runs every compensation step in LIFO order. Errors
// are logged, never returned: a partial gadget must always be fully
// removable unless the filesystem itself is failing.
func (bs *bindState) rollback() {
	for i := len(bs.undo) - 1; i >= 0; i-- {
		bs.undo[i]()
	}
	bs.undo = nil
}

// writeAttrOnce writes value to path, refusing a second write to the
// same attribute within one bind. ConfigFS attribute writes are not
// universally idempotent across kernel versions, so each attribute is
// single-shot per bind.
func (bs *bindState) writeAttrOnce(path string, value AttrValue) error {
	bs.mu.Lock()
	if bs.writtenAttrs[path] {
		bs.mu.Unlock()
		return &errno.StateError{Op: "writeAttr", State: "already written in this bind: " + path}
	}
	bs.writtenAttrs[path] = true
	bs.mu.Unlock()
	if err := bs.env.tree.WriteFile(path, value.Bytes()); err != nil {
		return errno.ToOsError("write", path, -1, errno.FromError(err), "writing configfs attribute")
	}
	return nil
}

func (bs *bindState) mkdir(path string) error {
	if err := bs.env.tree.Mkdir(path); err != nil {
		return errno.ToOsError("mkdir", path, -1, errno.FromError(err), "")
	}
	bs.record(func() {
		if err := bs.env.tree.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("usbgadget: cleanup rmdir %s: %v", path, err)
		}
	})
	return nil
}

func (bs *bindState) symlink(target, link string) error {
	if err := bs.env.tree.Symlink(target, link); err != nil {
		return errno.ToOsError("symlink", link, -1, errno.FromError(err), "")
	}
	bs.record(func() {
		if err := bs.env.tree.Remove(link); err != nil && !os.IsNotExist(err) {
			log.Printf("usbgadget: cleanup remove symlink %s: %v", link, err)
		}
	})
	return nil
}

// Bind is a transaction: it projects g onto the live ConfigFS tree,
// starts every FunctionFs function's runtime, and binds a UDC, rolling
// back every effect in LIFO order if any step fails. It runs on the
// caller's goroutine; the individual filesystem writes target an
// in-memory pseudo-filesystem with bounded latency, so there is no need
// to hand this off to a worker.
func (g *Gadget) Bind(opts BindOptions) error {
	return g.bind(opts, osBindEnv)
}

func (g *Gadget) bind(opts BindOptions, env bindEnv) error {
	if g.state != StateUnbound || g.bindState != nil {
		return &errno.StateError{Op: "Bind", State: g.state.String()}
	}
	if err := g.validate(); err != nil {
		return err
	}
	if err := env.ensureMounted(); err != nil {
		return err
	}
	if opts.FfsMountRoot == "" {
		opts.FfsMountRoot = defaultFfsMountRoot
	}

	gadgetDir := filepath.Join(configfsRoot, "usb_gadget", g.Name)
	if err := env.tree.Stat(gadgetDir); err == nil {
		return &errno.StateError{Op: "Bind", State: "gadget directory already exists: " + gadgetDir}
	}

	g.state = StateBinding
	bs := &bindState{env: env, gadgetDir: gadgetDir, writtenAttrs: map[string]bool{}}

	if err := g.doBind(bs, opts); err != nil {
		bs.rollback()
		g.state = StateUnbound
		return err
	}

	g.bindState = bs
	g.state = StateBound
	return nil
}

type attrWrite struct {
	file string
	val  AttrValue
}

func (g *Gadget) doBind(bs *bindState, opts BindOptions) error {
	if err := bs.mkdir(bs.gadgetDir); err != nil {
		return err
	}

	bcdUSB := g.UsbBcdVersion
	if bcdUSB == 0 {
		bcdUSB = 0x0200
	}
	attrs := []attrWrite{
		{"idVendor", HexValue(uint64(g.IDVendor))},
		{"idProduct", HexValue(uint64(g.IDProduct))},
		{"bcdDevice", HexValue(uint64(g.BcdDevice))},
		{"bcdUSB", HexValue(uint64(bcdUSB))},
		{"bDeviceClass", HexValue(uint64(g.BDeviceClass))},
		{"bDeviceSubClass", HexValue(uint64(g.BDeviceSubClass))},
		{"bDeviceProtocol", HexValue(uint64(g.BDeviceProtocol))},
	}
	if g.BMaxPacketSize0 != 0 {
		attrs = append(attrs, attrWrite{"bMaxPacketSize0", IntValue(int64(g.BMaxPacketSize0))})
	}
	for _, a := range attrs {
		if err := bs.writeAttrOnce(filepath.Join(bs.gadgetDir, a.file), a.val); err != nil {
			return err
		}
	}

	for lang, s := range g.Strings {
		dir := filepath.Join(bs.gadgetDir, "strings", langHex(lang))
		if err := bs.mkdir(dir); err != nil {
			return err
		}
		strs := []attrWrite{
			{"manufacturer", StringValue(s.Manufacturer)},
			{"product", StringValue(s.Product)},
			{"serialnumber", StringValue(s.SerialNumber)},
		}
		for _, a := range strs {
			if err := bs.writeAttrOnce(filepath.Join(dir, a.file), a.val); err != nil {
				return err
			}
		}
	}

	if g.OSDescriptor != nil && g.OSDescriptor.Use {
		osDescDir := filepath.Join(bs.gadgetDir, "os_desc")
		osAttrs := []attrWrite{
			{"use", IntValue(1)},
			{"b_vendor_code", IntValue(int64(g.OSDescriptor.BVendorCode))},
			{"qw_sign", StringValue(g.OSDescriptor.QwSign)},
		}
		for _, a := range osAttrs {
			if err := bs.writeAttrOnce(filepath.Join(osDescDir, a.file), a.val); err != nil {
				return err
			}
		}
	}

	seenFn := map[string]bool{}
	for _, cfg := range g.Configurations {
		for _, fn := range cfg.Functions {
			key := fn.templateDir()
			if seenFn[key] {
				continue
			}
			seenFn[key] = true
			if err := g.bindFunction(bs, opts, fn); err != nil {
				return err
			}
		}
	}

	for _, cfg := range g.Configurations {
		if err := g.bindConfiguration(bs, cfg); err != nil {
			return err
		}
	}

	udcName := opts.UDC
	if udcName == "" {
		name, err := bs.env.defaultUDC()
		if err != nil {
			return err
		}
		udcName = name
	}
	return g.bindUDC(bs, udcName)
}

func langHex(lang LanguageID) string {
	return fmt.Sprintf("0x%04x", uint16(lang))
}

func (g *Gadget) bindFunction(bs *bindState, opts BindOptions, fn Function) error {
	dir := filepath.Join(bs.gadgetDir, "functions", fn.templateDir())
	switch f := fn.(type) {
	case *KernelFunction:
		if err := bs.mkdir(dir); err != nil {
			return err
		}
		for _, p := range f.attrOrder() {
			if err := bs.writeAttrOnce(filepath.Join(dir, p), f.Attrs[p]); err != nil {
				return err
			}
		}
		if f.PreLink != nil {
			if err := f.PreLink(); err != nil {
				return fmt.Errorf("usbgadget: pre-link hook for %s: %w", f.Instance, err)
			}
		}
		return nil
	case *FfsFunction:
		if err := bs.mkdir(dir); err != nil {
			return err
		}
		descBlob, err := f.Descriptors.EncodeBlob()
		if err != nil {
			return fmt.Errorf("usbgadget: encoding descriptors for %s: %w", f.Instance, err)
		}
		strBlob, err := f.Strings.EncodeBlob()
		if err != nil {
			return fmt.Errorf("usbgadget: encoding strings for %s: %w", f.Instance, err)
		}
		endpoints := deriveEndpointInfos(f.Descriptors, f.Speeds)
		mountDir := filepath.Join(opts.FfsMountRoot, f.Instance)
		rt := ffs.New(ffs.Config{
			Instance:       f.Instance,
			MountDir:       mountDir,
			DescriptorBlob: descBlob,
			StringsBlob:    strBlob,
			Endpoints:      endpoints,
			Handlers:       f.Handlers,
		})
		if err := rt.Start(); err != nil {
			return fmt.Errorf("usbgadget: starting ffs runtime for %s: %w", f.Instance, err)
		}
		f.runtime = rt
		bs.mu.Lock()
		bs.ffsRuntimes = append(bs.ffsRuntimes, rt)
		bs.mu.Unlock()
		bs.record(func() {
			if err := rt.Dispose(); err != nil {
				log.Printf("usbgadget: disposing ffs runtime for %s: %v", f.Instance, err)
			}
		})
		return nil
	default:
		return fmt.Errorf("usbgadget: unknown function kind for %s", fn.InstanceName())
	}
}

// deriveEndpointInfos reads the endpoint order from the first declared
// speed's descriptor list. FunctionFS numbers ep<n> files independently
// of negotiated speed; every speed variant of a function must declare
// its endpoints in the same order.
func deriveEndpointInfos(t DescriptorTable, speeds []Speed) []ffs.EndpointInfo {
	var list []Encodable
	for _, sp := range speeds {
		if l := t.forSpeed(sp); len(l) > 0 {
			list = l
			break
		}
	}
	var out []ffs.EndpointInfo
	for _, d := range list {
		ep, ok := d.(EndpointDescriptor)
		if !ok {
			continue
		}
		dir := ffs.DirOut
		if ep.BEndpointAddress&EndpointDirectionIn != 0 {
			dir = ffs.DirIn
		}
		out = append(out, ffs.EndpointInfo{Address: ep.BEndpointAddress, Direction: dir})
	}
	return out
}

func (g *Gadget) bindConfiguration(bs *bindState, cfg *Configuration) error {
	dir := filepath.Join(bs.gadgetDir, "configs", cfg.dirLabel())
	if err := bs.mkdir(dir); err != nil {
		return err
	}
	if err := bs.writeAttrOnce(filepath.Join(dir, "bmAttributes"), HexValue(uint64(cfg.Attributes))); err != nil {
		return err
	}
	if err := bs.writeAttrOnce(filepath.Join(dir, "MaxPower"), IntValue(int64(cfg.MaxPower))); err != nil {
		return err
	}
	for lang, s := range cfg.Strings {
		sdir := filepath.Join(dir, "strings", langHex(lang))
		if err := bs.mkdir(sdir); err != nil {
			return err
		}
		if err := bs.writeAttrOnce(filepath.Join(sdir, "configuration"), StringValue(s)); err != nil {
			return err
		}
	}
	// Symlink order determines the enumeration order the host sees.
	for _, fn := range cfg.Functions {
		target := filepath.Join(bs.gadgetDir, "functions", fn.templateDir())
		link := filepath.Join(dir, fn.templateDir())
		if err := bs.symlink(target, link); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gadget) bindUDC(bs *bindState, udcName string) error {
	path := filepath.Join(bs.gadgetDir, "UDC")
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err := bs.env.tree.WriteFile(path, []byte(udcName+"\n"))
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if errno.Classify(errno.FromError(err)) == errno.ClassBusy {
			time.Sleep(busyRetryDelay)
			continue
		}
		return errno.ToOsError("write", path, -1, errno.FromError(err), "binding UDC "+udcName)
	}
	if lastErr != nil {
		return errno.ToOsError("write", path, -1, errno.FromError(lastErr), "binding UDC "+udcName+" (exhausted retries)")
	}
	bs.udcName = udcName
	bs.record(func() {
		if err := bs.env.tree.WriteFile(path, []byte("\n")); err != nil {
			log.Printf("usbgadget: cleanup unbind UDC on %s: %v", path, err)
		}
	})
	return nil
}

// Unbind tears down every effect Bind recorded, in LIFO order, leaving
// no ConfigFS residue regardless of how far Bind progressed. Calling
// Unbind on an unbound gadget is a state error.
func (g *Gadget) Unbind() error {
	if g.bindState == nil {
		return &errno.StateError{Op: "Unbind", State: g.state.String()}
	}
	g.state = StateUnbinding
	g.bindState.rollback()
	g.bindState = nil
	g.state = StateUnbound
	return nil
}

// WaitForState blocks until the gadget reaches target or timeout
// elapses. It watches both the bound UDC's sysfs state attribute and
// every FunctionFs function's runtime state, completing as soon as
// either source observes target.
func (g *Gadget) WaitForState(target GadgetState, timeout time.Duration) error {
	if g.bindState == nil {
		return &errno.StateError{Op: "WaitForState", State: g.state.String()}
	}
	deadline := time.Now().Add(timeout)

	hit := make(chan struct{}, 1)
	signal := func() {
		select {
		case hit <- struct{}{}:
		default:
		}
	}
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if g.observeSysfsState() == target {
					signal()
					return
				}
			}
		}
	}()

	if ffsTarget, ok := translateTarget(target); ok {
		for _, rt := range g.bindState.ffsRuntimes {
			rt := rt
			go func() {
				if err := rt.WaitForState(ffsTarget, timeout); err == nil {
					signal()
				}
			}()
		}
	}

	select {
	case <-hit:
		return nil
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("usbgadget: timed out waiting for state %v", target)
	}
}

func translateTarget(s GadgetState) (ffs.State, bool) {
	switch s {
	case StateBound:
		return ffs.StateBound, true
	case StateConfigured:
		return ffs.StateEnabled, true
	case StateSuspended:
		return ffs.StateSuspended, true
	}
	return 0, false
}

// observeSysfsState reads back the bound UDC's negotiated state from
// /sys/class/udc/<name>/state ("configured", "suspended", "addressed"
// and so on are the kernel's own vocabulary).
func (g *Gadget) observeSysfsState() GadgetState {
	if g.bindState == nil || g.bindState.udcName == "" {
		return g.state
	}
	data, err := os.ReadFile(filepath.Join(udcClassDir, g.bindState.udcName, "state"))
	if err != nil {
		return g.state
	}
	switch strings.TrimSpace(string(data)) {
	case "configured":
		return StateConfigured
	case "suspended":
		return StateSuspended
	case "addressed", "default", "powered":
		return StateBound
	}
	return g.state
}
