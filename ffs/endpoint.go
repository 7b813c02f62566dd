package ffs

import (
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/daedaluz/usbgadget/aio"
	"github.com/daedaluz/usbgadget/errno"
	"github.com/daedaluz/usbgadget/ioctl"
)

const (
	defaultBufferSize = 16 * 1024
	defaultWindowSize = 4
)

// EndpointIn is a host-reads (IN) endpoint. Writes queue through the aio
// package's windowed Writer and are acknowledged to the caller in issue
// order, once truly completed.
type EndpointIn struct {
	addr uint8
	file *os.File

	mu     sync.Mutex
	writer *aio.Writer
}

// Write submits data and blocks until the host has drained it, or
// returns *errno.OsError wrapping EPIPE if the endpoint is halted (see
// ClearHalt).
func (e *EndpointIn) Write(data []byte) (int, error) {
	e.mu.Lock()
	if e.writer == nil {
		w, err := aio.NewWriter(int(e.file.Fd()), defaultBufferSize, defaultWindowSize)
		if err != nil {
			e.mu.Unlock()
			return 0, err
		}
		w.Start()
		e.writer = w
	}
	w := e.writer
	e.mu.Unlock()
	return w.Write(data).Wait()
}

// Flush blocks until every write issued before this call has completed.
func (e *EndpointIn) Flush() error {
	e.mu.Lock()
	w := e.writer
	e.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Flush().Wait()
}

// ClearHalt recovers from a STALLed endpoint (errno.OsError wrapping
// EPIPE on Write) by issuing CLEAR_HALT then FIFO_FLUSH. The endpoint's
// writer worker has gone fatal by then, so it is retired; the next Write
// starts a fresh one.
func (e *EndpointIn) ClearHalt() error {
	e.mu.Lock()
	w := e.writer
	e.writer = nil
	e.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	ioctl.ResetEndpoint(int(e.file.Fd()))
	return nil
}

func (e *EndpointIn) close() error {
	e.mu.Lock()
	w := e.writer
	e.writer = nil
	e.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	return e.file.Close()
}

// EndpointOut is a host-writes (OUT) endpoint. Reads are exposed as a
// lazy, finite chunk sequence via the aio package's windowed Reader.
type EndpointOut struct {
	addr uint8
	file *os.File

	mu     sync.Mutex
	reader *aio.Reader
}

// Stream starts (if not already running) and returns the windowed
// reader over this endpoint. Zero bufferSize/windowSize pick the
// defaults (16 KiB, 4 in flight).
func (e *EndpointOut) Stream(bufferSize, windowSize int, onError aio.ErrorHandler) (*aio.Reader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reader != nil {
		return e.reader, nil
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	r, err := aio.NewReader(int(e.file.Fd()), bufferSize, windowSize, onError)
	if err != nil {
		return nil, err
	}
	r.Start()
	e.reader = r
	return r, nil
}

// ClearHalt recovers from a STALLed endpoint. Any running stream is
// retired; call Stream again for a fresh one.
func (e *EndpointOut) ClearHalt() error {
	e.mu.Lock()
	r := e.reader
	e.reader = nil
	e.mu.Unlock()
	if r != nil {
		r.Stop()
	}
	ioctl.ResetEndpoint(int(e.file.Fd()))
	return nil
}

func (e *EndpointOut) close() error {
	e.mu.Lock()
	r := e.reader
	e.reader = nil
	e.mu.Unlock()
	if r != nil {
		r.Stop()
	}
	return e.file.Close()
}

// EndpointInfo declares one ep1..epN file this function opens on BIND:
// its USB address (direction bit | number) and whether it is IN or OUT.
type EndpointInfo struct {
	Address   uint8
	Direction EndpointDirection
}

type EndpointDirection uint8

const (
	DirIn EndpointDirection = iota
	DirOut
)

func openEndpoints(mountDir string, infos []EndpointInfo) ([]*EndpointIn, []*EndpointOut, error) {
	var ins []*EndpointIn
	var outs []*EndpointOut
	for i, info := range infos {
		path := mountDir + "/ep" + strconv.Itoa(i+1)
		f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
		if err != nil {
			for _, in := range ins {
				in.close()
			}
			for _, out := range outs {
				out.close()
			}
			return nil, nil, errno.ToOsError("open", path, -1, errno.FromError(err), "opening function endpoint")
		}
		if info.Direction == DirIn {
			ins = append(ins, &EndpointIn{addr: info.Address, file: f})
		} else {
			outs = append(outs, &EndpointOut{addr: info.Address, file: f})
		}
	}
	return ins, outs, nil
}
