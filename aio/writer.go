package aio

import (
	"sync/atomic"
	"time"

	"github.com/daedaluz/usbgadget/errno"
)

// WriteFuture resolves to the number of bytes written (equal to the
// request's full length on success) once every chunk of that write has
// completed — never on mere enqueue.
type WriteFuture struct {
	done chan struct{}
	n    int
	err  error
}

// Wait blocks until the write completes and returns its result.
func (f *WriteFuture) Wait() (int, error) {
	<-f.done
	return f.n, f.err
}

// FlushFuture resolves once every write issued before the flush call has
// completed.
type FlushFuture struct {
	done chan struct{}
	err  error
}

func (f *FlushFuture) Wait() error {
	<-f.done
	return f.err
}

type writeJob struct {
	chunks    [][]byte
	remaining int
	written   int
	err       error
	future    *WriteFuture
}

type flushJob struct {
	future *FlushFuture
}

// Writer is a queued AIO writer over a single file descriptor. Writes
// are split into bufferSize pieces, kept up to windowSize in flight, and
// acknowledged to the caller in issue order once truly completed, with
// Flush acting as a barrier over every prior write.
type Writer struct {
	fd      int
	ctx     *Context
	pool    *BufferPool
	bufSize int
	window  int

	jobs chan interface{} // *writeJob or *flushJob; unbuffered
	stop chan struct{}
	done chan struct{}

	state int32 // workerState, atomic

	pollTimeout time.Duration

	// advanceOffset submits each chunk at a cursor advanced by the
	// previous chunk's length instead of offset 0. FunctionFS endpoints
	// are streams and always use 0; regular files need the cursor.
	advanceOffset bool
	offset        int64
}

// NewWriter creates a queued writer over fd, splitting writes into
// bufferSize pieces and keeping up to windowSize submitted concurrently.
func NewWriter(fd, bufferSize, windowSize int) (*Writer, error) {
	aioCtx, err := NewContext(windowSize)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		fd:          fd,
		ctx:         aioCtx,
		pool:        NewBufferPool(windowSize, bufferSize),
		bufSize:     bufferSize,
		window:      windowSize,
		jobs:        make(chan interface{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		pollTimeout: 100 * time.Millisecond,
		state:       int32(stateReady),
	}
	return w, nil
}

// Start launches the worker goroutine. Safe to call once.
func (w *Writer) Start() {
	if !atomic.CompareAndSwapInt32(&w.state, int32(stateReady), int32(stateRunning)) {
		return
	}
	go w.run()
}

// Write assigns the data a place in the issue order and hands it to the
// worker. The returned future resolves on true completion of every
// bufferSize piece, in issue order relative to other Write calls. A
// short completion on any piece is a hard error ("partial write").
func (w *Writer) Write(data []byte) *WriteFuture {
	future := &WriteFuture{done: make(chan struct{})}
	job := &writeJob{future: future}
	if len(data) == 0 {
		job.chunks = [][]byte{{}}
	} else {
		for off := 0; off < len(data); off += w.bufSize {
			end := off + w.bufSize
			if end > len(data) {
				end = len(data)
			}
			job.chunks = append(job.chunks, data[off:end])
		}
	}
	job.remaining = len(job.chunks)
	select {
	case w.jobs <- job:
	case <-w.done:
		future.err = errno.ErrCancelled
		close(future.done)
	}
	return future
}

// Flush injects a barrier: it resolves once every write issued before it
// has completed.
func (w *Writer) Flush() *FlushFuture {
	future := &FlushFuture{done: make(chan struct{})}
	select {
	case w.jobs <- &flushJob{future: future}:
	case <-w.done:
		future.err = errno.ErrCancelled
		close(future.done)
	}
	return future
}

// Stop requests the worker to quiesce, completing every outstanding
// future with errno.ErrCancelled. Idempotent.
func (w *Writer) Stop() {
	if atomic.CompareAndSwapInt32(&w.state, int32(stateReady), int32(stateStopped)) {
		w.ctx.Dispose()
		close(w.done)
		return
	}
	if atomic.CompareAndSwapInt32(&w.state, int32(stateRunning), int32(stateStopping)) {
		close(w.stop)
	}
	<-w.done
}

type chunkMeta struct {
	job  *writeJob
	size int
	buf  []byte
}

func (w *Writer) run() {
	var queue []interface{} // jobs not yet fully submitted, FIFO
	var issued []*writeJob  // jobs awaiting completion, issue order
	pending := map[OperationID]*chunkMeta{}
	var fatalErr error

	finish := func(j *writeJob) {
		j.future.n = j.written
		j.future.err = j.err
		close(j.future.done)
	}

	// submitHead feeds chunks from the head job in queue into the AIO
	// window, popping each job once all its chunks are submitted.
	submitHead := func() {
		for len(queue) > 0 && len(pending) < w.window {
			j, ok := queue[0].(*writeJob)
			if !ok {
				return // flush barrier; handled by ackInOrder
			}
			if len(j.chunks) == 0 {
				queue = queue[1:]
				continue
			}
			chunk := j.chunks[0]
			buf, ok := w.pool.Acquire()
			if !ok {
				return
			}
			copy(buf, chunk)
			op := &Op{Fd: w.fd, Dir: DirWrite, Buf: buf[:len(chunk)], Offset: w.offset}
			if _, err := w.ctx.Submit([]*Op{op}); err != nil {
				w.pool.Release(buf)
				j.err = err
				fatalErr = err
				return
			}
			if w.advanceOffset {
				w.offset += int64(len(chunk))
			}
			pending[op.ID] = &chunkMeta{job: j, size: len(chunk), buf: buf}
			j.chunks = j.chunks[1:]
			if len(j.chunks) == 0 {
				queue = queue[1:]
			}
		}
	}

	// ackInOrder completes finished jobs strictly in issue order and
	// resolves flush barriers once everything before them has drained.
	ackInOrder := func() {
		for len(issued) > 0 && issued[0].remaining == 0 {
			finish(issued[0])
			issued = issued[1:]
		}
		for len(queue) > 0 {
			f, ok := queue[0].(*flushJob)
			if !ok {
				return
			}
			// Writes still queued behind the barrier are unsubmitted; any
			// other issued write came before it and is still outstanding.
			later := 0
			for _, q := range queue {
				if _, ok := q.(*writeJob); ok {
					later++
				}
			}
			if len(issued) > later {
				return
			}
			f.future.err = fatalErr
			close(f.future.done)
			queue = queue[1:]
		}
	}

	reap := func() {
		timeout := w.pollTimeout
		completions, err := w.ctx.GetCompletions(0, w.window, &timeout)
		if err != nil {
			fatalErr = err
			return
		}
		for _, c := range completions {
			meta, ok := pending[c.Op.ID]
			if !ok {
				continue
			}
			delete(pending, c.Op.ID)
			w.pool.Release(meta.buf)
			switch {
			case c.Err != nil:
				meta.job.err = c.Err
				fatalErr = c.Err
			case c.BytesTransferred != meta.size:
				meta.job.err = &errno.StateError{Op: "Write", State: "partial write"}
				fatalErr = meta.job.err
			default:
				meta.job.written += c.BytesTransferred
			}
			meta.job.remaining--
		}
	}

	// failAll completes every outstanding future with err. Write jobs
	// live in issued (queue only holds the not-yet-submitted view of
	// the same jobs), so only flush barriers are taken from queue.
	failAll := func(err error) {
		for _, j := range issued {
			if j.err == nil {
				j.err = err
			}
			finish(j)
		}
		issued = nil
		for _, q := range queue {
			if f, ok := q.(*flushJob); ok {
				f.future.err = err
				close(f.future.done)
			}
		}
		queue = nil
	}

	defer func() {
		w.ctx.Dispose()
		atomic.StoreInt32(&w.state, int32(stateStopped))
		close(w.done)
	}()

	for {
		if fatalErr != nil {
			failAll(fatalErr)
			return
		}
		submitHead()
		ackInOrder()
		if fatalErr != nil {
			failAll(fatalErr)
			return
		}

		if len(pending) == 0 {
			select {
			case <-w.stop:
				failAll(errno.ErrCancelled)
				return
			case msg := <-w.jobs:
				if j, ok := msg.(*writeJob); ok {
					issued = append(issued, j)
				}
				queue = append(queue, msg)
			}
			continue
		}

		select {
		case <-w.stop:
			failAll(errno.ErrCancelled)
			return
		case msg := <-w.jobs:
			if j, ok := msg.(*writeJob); ok {
				issued = append(issued, j)
			}
			queue = append(queue, msg)
		default:
			reap()
		}
	}
}
