/*
Copyright 2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package membuf

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/dustin/go-humanize"
	log "github.com/gravitational/logrus"
	"github.com/gravitational/trace"
)

type (
	// Buffer is an in-memory, randomly addressable and growable byte
	// store which stands in for a file on disk. Content lives in an ordered
	// list of fixed-capacity chunks; a chunk is never reallocated or moved
	// once appended, so growing the buffer never copies written data.
	//
	// The cursor is kept both as a linear position and as a
	// (chunkIndex, positionInChunk) pair. When the cursor lies inside the
	// allocated chunks the pair addresses the byte at the cursor, and it
	// never points at the end of a chunk that is not the last one. Seeking
	// past the allocated chunks does not allocate: the cursor then stays
	// detached, addressed relative to the last chunk (or to offset 0 when
	// there are no chunks), until a write or resize allocates storage.
	//
	// Bytes between the logical size and the end of the last chunk are
	// always zero, which makes zero-filling of gaps free.
	//
	// Buffer is not safe for concurrent use.
	Buffer struct {
		cfg Config

		chunks [][]byte
		// starts[i] is the linear offset of the first byte of chunks[i]
		starts []int64

		size            int64
		position        int64
		chunkIndex      int
		positionInChunk int64
	}

	// Source is the byte-producing collaborator drained by WriteFrom.
	// Read follows the io.Reader contract, io.EOF marks the end of input.
	Source interface {
		Read(p []byte) (int, error)
	}

	// Sink is the byte-consuming collaborator ExportTo writes to.
	// Write follows the io.Writer contract.
	Sink interface {
		Write(p []byte) (int, error)
	}

	// SeekableStream is the random-access file contract the buffer exposes
	// to archive encoders and decoders
	SeekableStream interface {
		io.ReadWriteSeeker
		Size() int64
		SetSize(size int64) error
	}
)

// copyBufferSize is the size of the scratch buffer used to move bytes
// between the buffer and its collaborators
const copyBufferSize = 32 * 1024

var logger = log.WithField(trace.Component, "membuf")

var (
	_ SeekableStream = (*Buffer)(nil)
	_ io.ReaderAt    = (*Buffer)(nil)
	_ io.ReaderFrom  = (*Buffer)(nil)
	_ io.WriterTo    = (*Buffer)(nil)
	_ io.Closer      = (*Buffer)(nil)
)

// New creates an empty buffer whose first chunk has initialChunkSize
// capacity and whose logical size never exceeds maxSize. Non-positive
// arguments fall back to the defaults.
func New(initialChunkSize int, maxSize int64) *Buffer {
	cfg := NewDefaultConfig()
	if initialChunkSize > 0 {
		cfg.InitialChunkSize = initialChunkSize
		if cfg.MaxInitialChunkSize < initialChunkSize {
			cfg.MaxInitialChunkSize = initialChunkSize
		}
		if cfg.MaxChunkSize < initialChunkSize {
			cfg.MaxChunkSize = initialChunkSize
		}
	}
	if maxSize > 0 {
		cfg.MaxSize = maxSize
	}
	return newBuffer(*cfg)
}

// NewWithConfig creates an empty buffer for the given config
func NewWithConfig(cfg Config) (*Buffer, error) {
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newBuffer(cfg), nil
}

// NewFromBytes creates a buffer holding p as its content with the cursor at
// 0. If copyBytes is false p itself becomes the storage of the buffer and
// the caller must not modify it afterwards.
func NewFromBytes(p []byte, copyBytes bool, maxSize int64) (*Buffer, error) {
	b := New(0, maxSize)
	if int64(len(p)) > b.cfg.MaxSize {
		return nil, capacityExceeded(int64(len(p)), b.cfg.MaxSize)
	}
	if len(p) == 0 {
		return b, nil
	}
	if copyBytes {
		p = append(make([]byte, 0, len(p)), p...)
	}
	b.appendChunk(p)
	b.size = int64(len(p))
	b.moveTo(0)
	return b, nil
}

func newBuffer(cfg Config) *Buffer {
	return &Buffer{cfg: cfg, chunkIndex: -1}
}

// Write writes p at the cursor, overwriting bytes before the logical size
// and extending it past. A gap between the logical size and the cursor is
// zero-filled. Write either writes all of p or fails without changing the
// buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end := endOf(b.position, int64(len(p)))
	if end > b.cfg.MaxSize {
		return 0, capacityExceeded(end, b.cfg.MaxSize)
	}
	b.ensureCapacity(end)

	idx, off := b.locate(b.position)
	for rest := p; len(rest) > 0; idx, off = idx+1, 0 {
		n := copy(b.chunks[idx][off:], rest)
		rest = rest[n:]
	}

	if end > b.size {
		b.size = end
	}
	b.moveTo(end)
	return len(p), nil
}

// Read reads up to len(p) bytes from the cursor, never past the logical
// size. It returns io.EOF when the cursor is at or beyond the logical size.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.position >= b.size {
		return 0, io.EOF
	}
	n := b.copyOut(p, b.position)
	b.moveTo(b.position + int64(n))
	return n, nil
}

// ReadAt reads len(p) bytes starting at off without moving the cursor
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, trace.Wrap(&InvalidSeekError{Offset: off, Whence: io.SeekStart, Position: off})
	}
	if off >= b.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := b.copyOut(p, off)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek moves the cursor. The resulting position may lie past the logical
// size; the gap is zero-filled by the next write. Seek never allocates.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = b.position
	case io.SeekEnd:
		base = b.size
	default:
		return b.position, trace.Wrap(&InvalidSeekError{Offset: offset, Whence: whence, Position: b.position})
	}
	if offset > 0 && base > math.MaxInt64-offset {
		return b.position, trace.Wrap(&InvalidSeekError{Offset: offset, Whence: whence, Position: math.MaxInt64})
	}
	pos := base + offset
	if pos < 0 {
		return b.position, trace.Wrap(&InvalidSeekError{Offset: offset, Whence: whence, Position: pos})
	}
	b.moveTo(pos)
	return pos, nil
}

// Rewind moves the cursor to the beginning of the buffer
func (b *Buffer) Rewind() {
	b.moveTo(0)
}

// Truncate discards all chunks and resets both the logical size and the
// cursor to 0. The config is preserved.
func (b *Buffer) Truncate() {
	if len(b.chunks) > 0 {
		logger.Debugf("Truncate(): releasing %v in %v chunks", humanize.IBytes(uint64(b.Capacity())), len(b.chunks))
	}
	b.chunks = nil
	b.starts = nil
	b.size = 0
	b.position = 0
	b.chunkIndex = -1
	b.positionInChunk = 0
}

// SetSize changes the logical size. Shrinking discards content past size and
// frees the chunks which start at or after it. Growing zero-fills the new
// range. A cursor past the new size is clamped to it.
func (b *Buffer) SetSize(size int64) error {
	if size < 0 {
		return trace.BadParameter("invalid size=%v: must be >= 0", size)
	}
	if size > b.cfg.MaxSize {
		return capacityExceeded(size, b.cfg.MaxSize)
	}

	switch {
	case size == 0:
		b.Truncate()
		return nil
	case size < b.size:
		b.shrink(size)
	case size > b.size:
		b.ensureCapacity(size)
	}
	b.size = size

	pos := b.position
	if pos > size {
		pos = size
	}
	b.moveTo(pos)
	return nil
}

// SetBytes replaces the whole content with a copy of p held in freshly
// allocated storage. When resetPosition is true the cursor moves to 0,
// otherwise it is clamped to the new size.
func (b *Buffer) SetBytes(p []byte, resetPosition bool) error {
	if int64(len(p)) > b.cfg.MaxSize {
		return capacityExceeded(int64(len(p)), b.cfg.MaxSize)
	}

	pos := b.position
	b.Truncate()
	if len(p) > 0 {
		b.appendChunk(append(make([]byte, 0, len(p)), p...))
		b.size = int64(len(p))
	}

	if resetPosition {
		pos = 0
	} else if pos > b.size {
		pos = b.size
	}
	b.moveTo(pos)
	return nil
}

// WriteFrom drains src into the buffer starting at the cursor, with the
// same overwrite and extend semantics as Write. A failing source is
// reported as StreamSourceError; whatever was read before stays written.
func (b *Buffer) WriteFrom(src Source) (int64, error) {
	var written int64
	scratch := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(scratch)
		if n > 0 {
			if _, errW := b.Write(scratch[:n]); errW != nil {
				return written, trace.Wrap(errW)
			}
			written += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, trace.Wrap(&StreamSourceError{Err: err})
		}
	}
}

// ReadFrom implements io.ReaderFrom on top of WriteFrom
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	return b.WriteFrom(r)
}

// ExportTo writes the content to dst: the whole content when fromStart is
// true, the range between the cursor and the logical size otherwise.
// Neither the cursor nor the size changes.
func (b *Buffer) ExportTo(dst Sink, fromStart bool) (int64, error) {
	off := b.position
	if fromStart {
		off = 0
	}
	return b.exportRange(dst, off)
}

// WriteTo implements io.WriterTo: it writes the content between the cursor
// and the logical size to w and advances the cursor accordingly.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n, err := b.exportRange(w, b.position)
	if n > 0 {
		b.moveTo(b.position + n)
	}
	return n, err
}

// Bytes returns a contiguous copy of the whole content
func (b *Buffer) Bytes() []byte {
	p := make([]byte, b.size)
	b.copyOut(p, 0)
	return p
}

// Position returns the cursor position
func (b *Buffer) Position() int64 {
	return b.position
}

// Size returns the logical size
func (b *Buffer) Size() int64 {
	return b.size
}

// Capacity returns the total capacity of the allocated chunks
func (b *Buffer) Capacity() int64 {
	if len(b.chunks) == 0 {
		return 0
	}
	last := len(b.chunks) - 1
	return b.starts[last] + int64(len(b.chunks[last]))
}

// Chunks returns the number of allocated chunks
func (b *Buffer) Chunks() int {
	return len(b.chunks)
}

// Config returns the config the buffer was created with
func (b *Buffer) Config() Config {
	return b.cfg
}

// Close does nothing, it lets the buffer stand in for an *os.File
func (b *Buffer) Close() error {
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{size=%v, position=%v, chunks=%v, capacity=%v}",
		b.size, b.position, len(b.chunks), b.Capacity())
}

// endOf returns pos+n, saturated at math.MaxInt64. pos and n are >= 0.
func endOf(pos, n int64) int64 {
	if pos > math.MaxInt64-n {
		return math.MaxInt64
	}
	return pos + n
}

// ensureCapacity appends one chunk if the allocated chunks do not cover
// end bytes. The chunk follows the growth policy and covers at least the
// missing bytes. end must not exceed the configured maximum size.
func (b *Buffer) ensureCapacity(end int64) {
	capacity := b.Capacity()
	if capacity >= end {
		return
	}
	prev := 0
	if len(b.chunks) > 0 {
		prev = len(b.chunks[len(b.chunks)-1])
	}
	size := b.cfg.nextChunkSize(prev, end-capacity, b.cfg.MaxSize-capacity)
	logger.Debugf("ensureCapacity(): allocating chunk #%v of %v", len(b.chunks), humanize.IBytes(uint64(size)))
	b.appendChunk(make([]byte, size))
}

func (b *Buffer) appendChunk(chunk []byte) {
	b.starts = append(b.starts, b.Capacity())
	b.chunks = append(b.chunks, chunk)
}

// shrink frees the chunks starting at or after size and zeroes the tail of
// the last kept chunk up to the former logical size. 0 < size < b.size.
func (b *Buffer) shrink(size int64) {
	keep := sort.Search(len(b.chunks), func(i int) bool { return b.starts[i] >= size })
	for i := keep; i < len(b.chunks); i++ {
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[:keep]
	b.starts = b.starts[:keep]

	last := keep - 1
	from := size - b.starts[last]
	to := b.size - b.starts[last]
	if chunkLen := int64(len(b.chunks[last])); to > chunkLen {
		to = chunkLen
	}
	tail := b.chunks[last][from:to]
	for i := range tail {
		tail[i] = 0
	}
}

// locate decomposes pos into a chunk index and an offset in that chunk.
// A position at the boundary of two chunks belongs to the second one. A
// position at or past the end of the allocated chunks is addressed
// relative to the last chunk, or to -1 when nothing is allocated.
func (b *Buffer) locate(pos int64) (int, int64) {
	n := len(b.chunks)
	if n == 0 {
		return -1, pos
	}
	i := sort.Search(n, func(i int) bool { return b.starts[i]+int64(len(b.chunks[i])) > pos })
	if i == n {
		i = n - 1
	}
	return i, pos - b.starts[i]
}

func (b *Buffer) moveTo(pos int64) {
	b.position = pos
	b.chunkIndex, b.positionInChunk = b.locate(pos)
}

// copyOut copies content starting at off into p, stopping at the logical
// size, and returns the number of bytes copied. off must be < b.size or p
// empty.
func (b *Buffer) copyOut(p []byte, off int64) int {
	if avail := b.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	total := 0
	idx, inChunk := b.locate(off)
	for len(p) > 0 {
		n := copy(p, b.chunks[idx][inChunk:])
		p = p[n:]
		total += n
		idx, inChunk = idx+1, 0
	}
	return total
}

// exportRange writes the content from off up to the logical size into dst
// through a scratch buffer, so no chunk is ever handed out by reference
func (b *Buffer) exportRange(dst io.Writer, off int64) (int64, error) {
	var written int64
	if off >= b.size {
		return 0, nil
	}
	scratchSize := int64(copyBufferSize)
	if rest := b.size - off; rest < scratchSize {
		scratchSize = rest
	}
	scratch := make([]byte, scratchSize)
	for off < b.size {
		n := b.copyOut(scratch, off)
		m, err := dst.Write(scratch[:n])
		written += int64(m)
		off += int64(m)
		if err != nil {
			return written, trace.Wrap(err)
		}
		if m != n {
			return written, trace.Wrap(io.ErrShortWrite)
		}
	}
	return written, nil
}
