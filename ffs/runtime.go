package ffs

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget/errno"
)

// State is a FunctionFs function's lifecycle state, driven by explicit
// mount/describe steps and then by the ep0 event stream.
type State int32

const (
	StateCreated State = iota
	StateMounted
	StateDescribed
	StateReady
	StateBound
	StateEnabled
	StateSuspended
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateMounted:
		return "mounted"
	case StateDescribed:
		return "described"
	case StateReady:
		return "ready"
	case StateBound:
		return "bound"
	case StateEnabled:
		return "enabled"
	case StateSuspended:
		return "suspended"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// Handlers are the lifecycle callbacks a Runtime invokes as ep0 events
// arrive. Any nil handler is simply skipped. OnSetup receives every
// SETUP request the kernel forwards — class and vendor requests, plus
// the rare standard request the kernel cannot answer itself.
type Handlers struct {
	OnBind    func() error
	OnUnbind  func() error
	OnEnable  func() error
	OnDisable func() error
	OnSuspend func() error
	OnResume  func() error
	OnSetup   func(req SetupRequest, ctrl *ControlTransfer) error
}

// Config describes one FunctionFs instance to mount and run.
type Config struct {
	// Instance is the ConfigFS/FunctionFS instance name (the directory
	// already created by the gadget assembler under
	// functions/ffs.<instance>).
	Instance string
	// MountDir is the target path this Runtime mounts the instance at,
	// e.g. "/dev/ffs/<instance>".
	MountDir string

	DescriptorBlob []byte
	StringsBlob    []byte

	// Endpoints lists, in ep1..epN order, the endpoints this function
	// declares; the order is the same at every speed.
	Endpoints []EndpointInfo

	Handlers Handlers
}

// Runtime mounts a FunctionFs instance, writes its descriptor and
// strings blobs to ep0, and runs the event loop that drives the function
// state machine and SETUP dispatch.
type Runtime struct {
	cfg Config

	state int32 // State, atomic

	ep0 *os.File

	mu   sync.Mutex
	ins  []*EndpointIn
	outs []*EndpointOut

	stateCh chan struct{} // closed and replaced on every state transition

	started  bool
	stopOnce sync.Once
	loopDone chan struct{}
}

// New creates a Runtime for cfg. Call Start to mount and begin the event
// loop.
func New(cfg Config) *Runtime {
	return &Runtime{
		cfg:      cfg,
		state:    int32(StateCreated),
		stateCh:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (r *Runtime) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
	r.mu.Lock()
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	r.mu.Unlock()
}

// State returns the function's current lifecycle state.
func (r *Runtime) State() State {
	return State(atomic.LoadInt32(&r.state))
}

// WaitForState blocks until the function reaches target or timeout
// elapses.
func (r *Runtime) WaitForState(target State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if r.State() == target {
			return nil
		}
		r.mu.Lock()
		ch := r.stateCh
		r.mu.Unlock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("ffs: timed out waiting for state %v (currently %v)", target, r.State())
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return fmt.Errorf("ffs: timed out waiting for state %v (currently %v)", target, r.State())
		}
	}
}

// Start mounts the instance, writes the descriptor/strings blob, and
// launches the ep0 event loop in its own goroutine, one per function;
// per-endpoint data I/O gets its own worker via the aio package.
func (r *Runtime) Start() error {
	if err := mountInstance(r.cfg.Instance, r.cfg.MountDir); err != nil {
		return err
	}
	r.setState(StateMounted)

	ep0Path := r.cfg.MountDir + "/ep0"
	f, err := os.OpenFile(ep0Path, os.O_RDWR, 0)
	if err != nil {
		unmountInstance(r.cfg.MountDir)
		return errno.ToOsError("open", ep0Path, -1, errno.FromError(err), "opening ep0")
	}
	r.ep0 = f

	if _, err := f.Write(r.cfg.DescriptorBlob); err != nil {
		r.teardown()
		return errno.ToOsError("write", ep0Path, int(f.Fd()), errno.FromError(err), "writing descriptor blob")
	}
	if _, err := f.Write(r.cfg.StringsBlob); err != nil {
		r.teardown()
		return errno.ToOsError("write", ep0Path, int(f.Fd()), errno.FromError(err), "writing strings blob")
	}
	r.setState(StateDescribed)

	r.started = true
	go r.eventLoop()
	return nil
}

// InEndpoint returns the IN endpoint handle with the given address, once
// the function has reached StateBound or later.
func (r *Runtime) InEndpoint(addr uint8) (*EndpointIn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.ins {
		if e.addr == addr {
			return e, true
		}
	}
	return nil, false
}

// OutEndpoint returns the OUT endpoint handle with the given address,
// once the function has reached StateBound or later.
func (r *Runtime) OutEndpoint(addr uint8) (*EndpointOut, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.outs {
		if e.addr == addr {
			return e, true
		}
	}
	return nil, false
}

func (r *Runtime) eventLoop() {
	defer close(r.loopDone)
	buf := make([]byte, eventRecordSize*8)
	for {
		n, err := r.ep0.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			var pe *os.PathError
			if errors.As(err, &pe) {
				if en, ok := pe.Err.(unix.Errno); ok && en == unix.EINTR {
					continue
				}
			}
			log.Printf("ffs: ep0 read error on %q: %v", r.cfg.Instance, err)
			return
		}
		for _, ev := range decodeEvents(buf[:n]) {
			if r.handleEvent(ev) {
				return
			}
		}
	}
}

// handleEvent dispatches one decoded ep0 event and returns true if the
// event loop should stop (UNBIND, or a BIND whose endpoints cannot be
// opened).
func (r *Runtime) handleEvent(ev rawEvent) bool {
	switch ev.Type {
	case EventBind:
		ins, outs, err := openEndpoints(r.cfg.MountDir, r.cfg.Endpoints)
		if err != nil {
			log.Printf("ffs: opening endpoints for %q: %v", r.cfg.Instance, err)
			return true
		}
		r.mu.Lock()
		r.ins, r.outs = ins, outs
		r.mu.Unlock()
		r.setState(StateReady)
		if r.cfg.Handlers.OnBind != nil {
			if err := r.cfg.Handlers.OnBind(); err != nil {
				log.Printf("ffs: OnBind for %q: %v", r.cfg.Instance, err)
			}
		}
		r.setState(StateBound)
	case EventUnbind:
		if r.cfg.Handlers.OnUnbind != nil {
			if err := r.cfg.Handlers.OnUnbind(); err != nil {
				log.Printf("ffs: OnUnbind for %q: %v", r.cfg.Instance, err)
			}
		}
		r.closeEndpoints()
		return true
	case EventEnable:
		r.setState(StateEnabled)
		if r.cfg.Handlers.OnEnable != nil {
			if err := r.cfg.Handlers.OnEnable(); err != nil {
				log.Printf("ffs: OnEnable for %q: %v", r.cfg.Instance, err)
			}
		}
	case EventDisable:
		r.setState(StateBound)
		if r.cfg.Handlers.OnDisable != nil {
			if err := r.cfg.Handlers.OnDisable(); err != nil {
				log.Printf("ffs: OnDisable for %q: %v", r.cfg.Instance, err)
			}
		}
	case EventSuspend:
		r.setState(StateSuspended)
		if r.cfg.Handlers.OnSuspend != nil {
			if err := r.cfg.Handlers.OnSuspend(); err != nil {
				log.Printf("ffs: OnSuspend for %q: %v", r.cfg.Instance, err)
			}
		}
	case EventResume:
		r.setState(StateEnabled)
		if r.cfg.Handlers.OnResume != nil {
			if err := r.cfg.Handlers.OnResume(); err != nil {
				log.Printf("ffs: OnResume for %q: %v", r.cfg.Instance, err)
			}
		}
	case EventSetup:
		r.dispatchSetup(ev.Setup)
	}
	return false
}

// dispatchSetup hands the decoded SETUP packet to the user handler. The
// kernel answers most standard requests itself and only forwards what it
// cannot (class and vendor requests, plus class-specific uses of
// standard requests such as HID's GET_DESCRIPTOR for the report
// descriptor), so everything that arrives here belongs to the handler;
// anything it does not recognise is stalled.
func (r *Runtime) dispatchSetup(req SetupRequest) {
	ctrl := &ControlTransfer{fd: int(r.ep0.Fd()), req: req}
	if r.cfg.Handlers.OnSetup == nil {
		ctrl.Stall()
		return
	}
	if err := r.cfg.Handlers.OnSetup(req, ctrl); err != nil {
		if err != ErrStall {
			log.Printf("ffs: OnSetup for %q: %v", r.cfg.Instance, err)
		}
		ctrl.Stall()
	}
}

// closeEndpoints stops every endpoint worker and closes the files. The
// closes are started IN endpoints first, each list in reverse open order,
// and run concurrently since each one may block up to its worker's
// quiescence delay; the order in which the files finish closing is not
// fixed.
func (r *Runtime) closeEndpoints() {
	r.mu.Lock()
	ins, outs := r.ins, r.outs
	r.ins, r.outs = nil, nil
	r.mu.Unlock()

	var grp errgroup.Group
	for i := len(ins) - 1; i >= 0; i-- {
		e := ins[i]
		grp.Go(func() error { return e.close() })
	}
	for i := len(outs) - 1; i >= 0; i-- {
		e := outs[i]
		grp.Go(func() error { return e.close() })
	}
	if err := grp.Wait(); err != nil {
		log.Printf("ffs: closing endpoints for %q: %v", r.cfg.Instance, err)
	}
}

func (r *Runtime) teardown() {
	if r.ep0 != nil {
		r.ep0.Close()
		r.ep0 = nil
	}
	unmountInstance(r.cfg.MountDir)
	r.setState(StateDisposed)
}

// Dispose signals shutdown, closes every endpoint and ep0, unmounts the
// instance, and removes its mount directory. Idempotent.
func (r *Runtime) Dispose() error {
	r.stopOnce.Do(func() {
		r.closeEndpoints()
		if r.ep0 != nil {
			r.ep0.Close()
		}
		if r.started {
			<-r.loopDone
		}
		unmountInstance(r.cfg.MountDir)
		r.setState(StateDisposed)
	})
	return nil
}
