// Package aio wraps the Linux kernel AIO (libaio-equivalent) syscalls —
// io_setup/io_submit/io_getevents/io_destroy/io_cancel — into a Context
// that keeps multiple reads or writes in flight on a single endpoint file
// descriptor, and a pair of stream workers (Reader, Writer) that run the
// busy-wait completion loop on its own goroutine so the caller's hot path
// never blocks.
package aio

import (
	"fmt"
	"sync"
	"time"

	"github.com/daedaluz/usbgadget/errno"
)

// Direction is the I/O direction of a tracked AIO operation.
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

// OperationID is the opaque id used as the kernel iocb's user-data field,
// and the key this package tracks in-flight operations by.
type OperationID uint64

// Op is a tracked AIO operation awaiting completion.
// The Context owns cb (the native control block) until completion or
// cancellation; the caller owns Buf, typically through a BufferPool.
type Op struct {
	ID     OperationID
	Dir    Direction
	Fd     int
	Buf    []byte
	Offset int64

	cb *iocb
}

// CompletedOperation is the result of a reaped completion.
type CompletedOperation struct {
	Op               *Op
	BytesTransferred int
	Err              error // non-nil for a negative res (res == -errno)
}

// Context is a single libaio-equivalent AIO context. maxConcurrent bounds
// the number of operations the kernel will track in flight at once.
type Context struct {
	mu       sync.Mutex
	ctx      aioContextT
	max      int
	nextID   uint64
	inFlight map[OperationID]*Op
	disposed bool
}

// NewContext calls io_setup(maxConcurrent). maxConcurrent must be in
// [1, 65536].
func NewContext(maxConcurrent int) (*Context, error) {
	if maxConcurrent < 1 || maxConcurrent > 65536 {
		return nil, fmt.Errorf("aio: maxConcurrent %d out of range [1,65536]", maxConcurrent)
	}
	ctx, err := rawIOSetup(uint32(maxConcurrent))
	if err != nil {
		return nil, err
	}
	return &Context{
		ctx:      ctx,
		max:      maxConcurrent,
		inFlight: make(map[OperationID]*Op, maxConcurrent),
	}, nil
}

// InFlight returns the number of operations currently tracked by the
// context.
func (c *Context) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Context) allocID() OperationID {
	c.nextID++
	return OperationID(c.nextID)
}

func buildIocb(id OperationID, op *Op) *iocb {
	cb := &iocb{
		aioData:   uint64(id),
		aioFildes: uint32(op.Fd),
		aioBuf:    ptrToU64(op.Buf),
		aioNbytes: uint64(len(op.Buf)),
		aioOffset: op.Offset,
	}
	if op.Dir == DirWrite {
		cb.aioLioOpcode = iocbCmdPwrite
	} else {
		cb.aioLioOpcode = iocbCmdPread
	}
	return cb
}

// Submit submits ops (each pre-populated with Fd/Dir/Buf/Offset) and
// returns the number actually accepted by the kernel.
//
// Submission never exceeds the context's concurrency cap: if accepting
// every op in ops would, Submit fails the whole batch with
// errno.ErrExhausted and tracks none of them. On partial kernel submission
// (io_submit returning fewer than len(ops)) the non-submitted tail is
// removed from tracking and its count is not included in the returned
// count. A hard io_submit error removes every op in the batch from
// tracking and surfaces the errno.
func (c *Context) Submit(ops []*Op) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return 0, &errno.StateError{Op: "Submit", State: "disposed"}
	}
	if len(c.inFlight)+len(ops) > c.max {
		c.mu.Unlock()
		return 0, errno.ErrExhausted
	}
	ids := make([]OperationID, len(ops))
	cbs := make([]*iocb, len(ops))
	for i, op := range ops {
		id := c.allocID()
		op.ID = id
		op.cb = buildIocb(id, op)
		ids[i] = id
		cbs[i] = op.cb
		c.inFlight[id] = op
	}
	c.mu.Unlock()

	accepted, err := rawIOSubmit(c.ctx, cbs)
	if err != nil {
		c.mu.Lock()
		for _, id := range ids {
			delete(c.inFlight, id)
		}
		c.mu.Unlock()
		return 0, err
	}
	if accepted < len(ops) {
		c.mu.Lock()
		for _, id := range ids[accepted:] {
			delete(c.inFlight, id)
		}
		c.mu.Unlock()
	}
	return accepted, nil
}

// GetCompletions calls io_getevents, waiting for between minEvents and
// maxEvents completions (bounded by timeout, if non-nil), and returns the
// reaped operations with their byte counts or errors.
func (c *Context) GetCompletions(minEvents, maxEvents int, timeout *time.Duration) ([]CompletedOperation, error) {
	if maxEvents <= 0 {
		return nil, nil
	}
	events := make([]ioEvent, maxEvents)
	var ts *timespec
	if timeout != nil {
		ts = &timespec{
			sec:  int64(*timeout / time.Second),
			nsec: int64(*timeout % time.Second),
		}
	}
	n, err := rawIOGetevents(c.ctx, minEvents, maxEvents, events, ts)
	if err != nil {
		return nil, err
	}
	out := make([]CompletedOperation, 0, n)
	c.mu.Lock()
	for i := 0; i < n; i++ {
		ev := events[i]
		id := OperationID(ev.data)
		op, ok := c.inFlight[id]
		if !ok {
			continue
		}
		delete(c.inFlight, id)
		res := ev.res
		co := CompletedOperation{Op: op}
		if res < 0 {
			co.Err = errno.ToOsError(syscallName(op.Dir), "", op.Fd, negErrno(res), "")
		} else {
			co.BytesTransferred = int(res)
		}
		out = append(out, co)
	}
	c.mu.Unlock()
	return out, nil
}

func syscallName(d Direction) string {
	if d == DirWrite {
		return "aio_write"
	}
	return "aio_read"
}

// CancelAll frees every in-flight control block and empties the tracking
// table. It does not itself call io_cancel (the kernel reaps abandoned
// iocbs on io_destroy); see Dispose for the io_cancel-before-destroy
// defensive pass against a kernel that silently drops a cancel.
func (c *Context) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.inFlight {
		delete(c.inFlight, id)
	}
}

// Dispose is idempotent. It calls io_cancel on every still-tracked
// operation, since not every kernel reaps abandoned iocbs on io_destroy
// alone, and then io_destroy. A destroy failure is returned but does not
// prevent the context from being marked disposed.
func (c *Context) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	for id, op := range c.inFlight {
		_ = rawIOCancel(c.ctx, op.cb)
		delete(c.inFlight, id)
	}
	c.disposed = true
	ctx := c.ctx
	c.mu.Unlock()
	return rawIODestroy(ctx)
}
