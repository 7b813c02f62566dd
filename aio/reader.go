package aio

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/daedaluz/usbgadget/errno"
)

// ErrorAction is the verdict an ErrorHandler returns for a read errno.
type ErrorAction int

const (
	ErrorIgnore ErrorAction = iota
	ErrorStop
	ErrorPropagate
)

// ErrorHandler classifies a read-completion errno; if nil, the Reader
// applies the default policy: ignore EAGAIN/EINTR, propagate anything
// else.
type ErrorHandler func(e unix.Errno) ErrorAction

func defaultErrorHandler(e unix.Errno) ErrorAction {
	if errno.IsRetryable(e) {
		return ErrorIgnore
	}
	return ErrorPropagate
}

// Chunk is one item of the Reader's lazy, finite byte-chunk sequence. A
// terminal item has nil Data: Err nil means EOF, non-nil means failure.
type Chunk struct {
	Data []byte
	Err  error
}

// workerState is the Ready→Running→Stopping→Stopped skeleton shared by
// Reader and Writer.
type workerState int32

const (
	stateReady workerState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Reader is a windowed AIO reader: a bounded number of reads are kept in
// flight on fd, feeding a lazy sequence of byte chunks gated by
// caller-expressed demand.
type Reader struct {
	fd      int
	onError ErrorHandler

	ctx  *Context
	pool *BufferPool

	window int

	chunks chan Chunk
	demand chan int
	stop   chan struct{}
	done   chan struct{}

	state int32 // workerState, atomic

	pollTimeout time.Duration

	// advanceOffset submits each read at a cursor advanced by the bytes
	// already requested instead of offset 0. FunctionFS endpoints are
	// streams and always use 0; regular files need the cursor.
	advanceOffset bool
}

// NewReader creates a windowed reader over fd. bufferSize is typically
// 4 KiB–1 MiB; windowSize (in-flight read count) is typically 2–8. If
// onError is nil, the default policy (ignore EAGAIN/EINTR, propagate
// otherwise) is used.
func NewReader(fd, bufferSize, windowSize int, onError ErrorHandler) (*Reader, error) {
	aioCtx, err := NewContext(windowSize)
	if err != nil {
		return nil, err
	}
	if onError == nil {
		onError = defaultErrorHandler
	}
	r := &Reader{
		fd:          fd,
		onError:     onError,
		ctx:         aioCtx,
		pool:        NewBufferPool(windowSize, bufferSize),
		window:      windowSize,
		chunks:      make(chan Chunk, windowSize),
		demand:      make(chan int, 16),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		pollTimeout: 100 * time.Millisecond,
		state:       int32(stateReady),
	}
	return r, nil
}

// Start launches the worker goroutine. Safe to call once.
func (r *Reader) Start() {
	if !atomic.CompareAndSwapInt32(&r.state, int32(stateReady), int32(stateRunning)) {
		return
	}
	go r.run()
}

// Demand expresses that the caller is ready to accept n more chunks.
// The worker keeps at most min(windowSize, unmet demand) reads in
// flight, so a slow consumer never piles up completed buffers.
func (r *Reader) Demand(n int) {
	if n <= 0 {
		return
	}
	select {
	case r.demand <- n:
	case <-r.done:
	}
}

// Chunks returns the channel chunks are delivered on. The channel is
// closed after the terminal EOF/error item.
func (r *Reader) Chunks() <-chan Chunk {
	return r.chunks
}

// Stop requests the worker to quiesce, freeing all buffers and
// destroying the AIO context. Idempotent.
func (r *Reader) Stop() {
	if atomic.CompareAndSwapInt32(&r.state, int32(stateReady), int32(stateStopped)) {
		r.ctx.Dispose()
		close(r.chunks)
		close(r.done)
		return
	}
	if atomic.CompareAndSwapInt32(&r.state, int32(stateRunning), int32(stateStopping)) {
		close(r.stop)
	}
	<-r.done
}

func (r *Reader) run() {
	defer func() {
		r.ctx.Dispose()
		close(r.chunks)
		atomic.StoreInt32(&r.state, int32(stateStopped))
		close(r.done)
	}()

	var unmet int64 // demand not yet satisfied by a delivered chunk
	inFlight := 0
	var submitOffset int64

	submitMore := func() {
		for inFlight < r.window && unmet > int64(inFlight) {
			buf, ok := r.pool.Acquire()
			if !ok {
				return
			}
			op := &Op{Fd: r.fd, Dir: DirRead, Buf: buf, Offset: submitOffset}
			if _, err := r.ctx.Submit([]*Op{op}); err != nil {
				r.pool.Release(buf)
				return
			}
			if r.advanceOffset {
				submitOffset += int64(len(buf))
			}
			inFlight++
		}
	}

	for {
		select {
		case <-r.stop:
			r.ctx.CancelAll()
			return
		case n := <-r.demand:
			unmet += int64(n)
			submitMore()
			continue
		default:
		}

		if inFlight == 0 {
			// Nothing in flight; wait for demand or stop rather than
			// polling io_getevents with zero operations pending.
			select {
			case <-r.stop:
				return
			case n := <-r.demand:
				unmet += int64(n)
				submitMore()
			}
			continue
		}

		timeout := r.pollTimeout
		completions, err := r.ctx.GetCompletions(0, r.window, &timeout)
		if err != nil {
			r.emit(Chunk{Err: err})
			return
		}
		for _, c := range completions {
			inFlight--
			buf := c.Op.Buf
			if c.Err != nil {
				var e unix.Errno
				if oe, ok := c.Err.(*errno.OsError); ok {
					e = oe.Errno
				}
				switch r.onError(e) {
				case ErrorIgnore:
					r.pool.Release(buf)
					continue
				case ErrorStop:
					r.pool.Release(buf)
					r.emit(Chunk{})
					return
				default: // ErrorPropagate
					r.pool.Release(buf)
					r.emit(Chunk{Err: c.Err})
					return
				}
			}
			if c.BytesTransferred == 0 {
				r.pool.Release(buf)
				r.emit(Chunk{})
				return
			}
			data := make([]byte, c.BytesTransferred)
			copy(data, buf[:c.BytesTransferred])
			r.pool.Release(buf)
			if !r.emit(Chunk{Data: data}) {
				return
			}
			unmet--
		}
		submitMore()
	}
}

// emit delivers c, reporting false if the reader was stopped instead.
func (r *Reader) emit(c Chunk) bool {
	select {
	case r.chunks <- c:
		return true
	case <-r.stop:
		return false
	}
}
