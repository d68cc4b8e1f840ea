package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

const readChunkSize = 64 * 1024

var (
	ErrAborted    = errors.New("bandwidth: upload aborted")
	ErrFileShrunk = errors.New("bandwidth: file is shorter than the requested range")
)

// ProgressFunc receives the number of bytes handed to the network so far.
type ProgressFunc func(sent, total int64)

// UploadDevice is a throttled, seekable view of a byte range of a local file.
//
// Abort may be called from any goroutine while a Read is blocked on the bandwidth budget:
// the blocked Read returns ErrAborted and the file handle stays intact until Close.
type UploadDevice struct {
	mgr    *Manager
	path   string
	size   int64
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards file, section, closed
	file    *os.File
	section *io.SectionReader
	closed  bool

	sent       atomic.Int64
	onProgress atomic.Pointer[ProgressFunc]
}

// Open prepares a device streaming length bytes of path starting at offset.
func Open(mgr *Manager, path string, offset, length int64) (*UploadDevice, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("open %s: is a directory", path)
	}
	if info.Size() < offset+length {
		file.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes, need %d", ErrFileShrunk, path, info.Size(), offset+length)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &UploadDevice{
		mgr:     mgr,
		path:    path,
		size:    length,
		ctx:     ctx,
		cancel:  cancel,
		file:    file,
		section: io.NewSectionReader(file, offset, length),
	}
	if mgr != nil {
		mgr.register(d)
	}
	return d, nil
}

// Size is the length of the byte range being uploaded.
func (d *UploadDevice) Size() int64 { return d.size }

// Sent is the number of bytes read so far.
func (d *UploadDevice) Sent() int64 { return d.sent.Load() }

// SetProgressFunc installs the progress callback; nil disables it.
func (d *UploadDevice) SetProgressFunc(fn ProgressFunc) {
	if fn == nil {
		d.onProgress.Store(nil)
		return
	}
	d.onProgress.Store(&fn)
}

func (d *UploadDevice) Read(p []byte) (int, error) {
	if d.ctx.Err() != nil {
		return 0, ErrAborted
	}
	if len(p) > readChunkSize {
		p = p[:readChunkSize]
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, os.ErrClosed
	}
	n, err := d.section.Read(p)
	d.mu.Unlock()

	if n > 0 {
		if d.mgr != nil {
			if werr := d.mgr.reserve(d.ctx, n); werr != nil {
				return 0, ErrAborted
			}
		}
		sent := d.sent.Add(int64(n))
		if fn := d.onProgress.Load(); fn != nil {
			(*fn)(sent, d.size)
		}
	}
	return n, err
}

func (d *UploadDevice) Seek(offset int64, whence int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, os.ErrClosed
	}
	pos, err := d.section.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	d.sent.Store(pos)
	return pos, nil
}

// Abort makes pending and future reads fail with ErrAborted.
func (d *UploadDevice) Abort() {
	d.cancel()
}

// Aborted reports whether Abort was called.
func (d *UploadDevice) Aborted() bool {
	return d.ctx.Err() != nil
}

// Close releases the file handle and leaves the bandwidth pool. It is safe to call twice.
func (d *UploadDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.cancel()
	if d.mgr != nil {
		d.mgr.unregister(d)
	}
	return d.file.Close()
}
