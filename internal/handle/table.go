// Package handle implements the open-file table: per-handle state for
// reads and writes, including the bounded-memory streaming upload path
// that replaces the teacher's whole-body write buffer.
package handle

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/remotefs/remotefs/pkg/rferrors"
)

// Writer is the narrow slice of the remote client that the open-file
// table needs: a streamed, random-offset PUT. Defined locally (rather
// than importing internal/remote directly) so Table can be unit tested
// against a fake, the same way the teacher's filesystem layer takes a
// types.Backend interface instead of a concrete client.
type Writer interface {
	WriteAt(ctx context.Context, path string, offset int64, body io.Reader) (int64, error)
}

// Flags mirrors the open-mode bits the kernel-protocol adapter cares
// about.
type Flags uint32

const (
	FlagRead   Flags = 1 << 0
	FlagWrite  Flags = 1 << 1
	FlagAppend Flags = 1 << 2
	FlagTrunc  Flags = 1 << 3
)

// Handle is one open-file-table entry, addressable only by FH.
type Handle struct {
	FH    uint64
	Ino   uint64
	Path  string
	Flags Flags

	mu          sync.Mutex
	writeCursor int64
	dirty       bool
	upload      *uploadStream
	stickyErr   error
}

// uploadStream is a single in-flight streamed PUT: the handle writes
// into pw, a goroutine drains pr into the remote Writer, and done
// carries the outcome back once the pipe is closed.
type uploadStream struct {
	startOffset int64
	written     int64
	pw          *io.PipeWriter
	done        chan error
}

// Table is the open-file table, keyed by a monotonically increasing
// fh. Safe for concurrent use; operations on distinct fh values never
// block each other.
type Table struct {
	mu     sync.Mutex
	byFH   map[uint64]*Handle
	nextFH uint64
	writer Writer
}

// New creates an empty Table bound to writer for finalizing streamed
// uploads.
func New(writer Writer) *Table {
	return &Table{
		byFH:   make(map[uint64]*Handle),
		nextFH: 1,
		writer: writer,
	}
}

// Open allocates a new Handle for ino/path and returns its fh.
func (t *Table) Open(ino uint64, path string, flags Flags) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	fh := t.nextFH
	t.nextFH++
	h := &Handle{FH: fh, Ino: ino, Path: path, Flags: flags}
	t.byFH[fh] = h
	return h
}

// Write resolves fh and pushes bytes at offset into its stream, using
// the Table's configured Writer to satisfy any newly opened upload.
func (t *Table) Write(ctx context.Context, fh uint64, offset int64, p []byte) (int, error) {
	h, ok := t.Get(fh)
	if !ok {
		return 0, rferrors.New(rferrors.CodeInvalidArgument, "unknown file handle")
	}
	return h.Write(ctx, t.writer, offset, p)
}

// Get returns the Handle for fh, if open.
func (t *Table) Get(fh uint64) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byFH[fh]
	return h, ok
}

// Release finalizes and forgets fh's handle. Any in-flight upload
// stream is closed and its completion awaited; a failure to finalize
// is returned here unless it was already reported by an intervening
// flush/fsync, per spec's release/flush error-reporting rule.
func (t *Table) Release(ctx context.Context, fh uint64) error {
	t.mu.Lock()
	h, ok := t.byFH[fh]
	if ok {
		delete(t.byFH, fh)
	}
	t.mu.Unlock()
	if !ok {
		return rferrors.New(rferrors.CodeInvalidArgument, "unknown file handle")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.closeUploadLocked()
	if err != nil && h.stickyErr == nil {
		return err
	}
	if h.stickyErr != nil {
		err := h.stickyErr
		h.stickyErr = nil
		return err
	}
	return nil
}

// Write pushes bytes at offset into fh's handle, per the open-file table's write-path
// rule: a sequential write (offset == cursor) is appended to the
// handle's open upload stream; a non-sequential write finalizes the
// current stream at its accumulated length and opens a fresh one at
// the new offset.
func (h *Handle) Write(ctx context.Context, writer Writer, offset int64, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stickyErr != nil {
		err := h.stickyErr
		h.stickyErr = nil
		return 0, err
	}

	if h.upload != nil && offset != h.writeCursor {
		if err := h.closeUploadLocked(); err != nil {
			return 0, err
		}
	}

	if h.upload == nil {
		if err := h.openUploadLocked(ctx, writer, offset); err != nil {
			return 0, err
		}
	}

	n, err := h.upload.pw.Write(p)
	if err != nil {
		// The pipe reader side (the HTTP request body) died mid
		// stream. The error is returned from this write and also kept
		// as a sticky error, surfaced again on the next
		// write/flush/fsync/release.
		h.upload = nil
		wrapped := rferrors.Transport("write_at", h.Path, err)
		h.stickyErr = wrapped
		return n, wrapped
	}

	h.writeCursor = offset + int64(n)
	h.dirty = true
	return n, nil
}

// Flush forces completion of any in-flight upload stream without
// closing the handle, per spec's flush/fsync contract. A sticky error
// left by an earlier failed write is returned (and cleared) instead.
func (h *Handle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stickyErr != nil {
		err := h.stickyErr
		h.stickyErr = nil
		return err
	}
	return h.closeUploadLocked()
}

// Dirty reports whether the handle has unflushed writes.
func (h *Handle) Dirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

func (h *Handle) openUploadLocked(ctx context.Context, writer Writer, offset int64) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	h.upload = &uploadStream{startOffset: offset, pw: pw, done: done}
	h.writeCursor = offset

	go func() {
		_, err := writer.WriteAt(ctx, h.Path, offset, pr)
		done <- err
	}()
	return nil
}

// closeUploadLocked finalizes the current upload stream, if any,
// blocking until the underlying WriteAt call observes EOF and
// completes. Caller must hold h.mu.
func (h *Handle) closeUploadLocked() error {
	if h.upload == nil {
		return nil
	}
	up := h.upload
	h.upload = nil

	if err := up.pw.Close(); err != nil {
		return rferrors.Transport("write_at", h.Path, err)
	}
	err := <-up.done
	h.dirty = false
	if err != nil {
		return fmt.Errorf("finalize upload at offset %d: %w", up.startOffset, err)
	}
	return nil
}

// Count reports how many handles are currently open, for diagnostics.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byFH)
}
