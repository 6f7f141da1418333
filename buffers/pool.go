package buffers

import (
	"io"
	"net"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
)

// DefaultChunkSize is the smallest chunk a SegmentWriter requests.
const DefaultChunkSize = 4096

// Allocator produces chunks for a SegmentWriter and takes them back on Release.
type Allocator[T any] interface {
	Alloc(n int) []T
	Free(chunk []T)
}

// MCacheAllocator hands out byte chunks from mcache's size-classed pools,
// shared by every connection of the process.
type MCacheAllocator struct{}

func (MCacheAllocator) Alloc(n int) []byte {
	return mcache.Malloc(n)
}

func (MCacheAllocator) Free(chunk []byte) {
	mcache.Free(chunk)
}

// HeapAllocator allocates every chunk with make and lets the GC reclaim it.
type HeapAllocator[T any] struct{}

func (HeapAllocator[T]) Alloc(n int) []T {
	return make([]T, n)
}

func (HeapAllocator[T]) Free([]T) {}

// SegmentWriter is a Sink that grows a segment chain chunk by chunk.
// Committed elements are readable through Sequence.
//
// It is not safe for concurrent use.
type SegmentWriter[T any] struct {
	alloc     Allocator[T]
	chunkSize int
	head      *Segment[T]
	tail      *Segment[T]
	// full chunk backing tail; tail.memory is its committed prefix.
	tailBuf []T
	chunks  [][]T
}

// NewSegmentWriter returns a writer pulling chunks of at least chunkSize
// elements from alloc. A non-positive chunkSize selects DefaultChunkSize.
func NewSegmentWriter[T any](alloc Allocator[T], chunkSize int) *SegmentWriter[T] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &SegmentWriter[T]{alloc: alloc, chunkSize: chunkSize}
}

// NewByteSegmentWriter is a SegmentWriter over the shared mcache pools.
func NewByteSegmentWriter() *SegmentWriter[byte] {
	return NewSegmentWriter[byte](MCacheAllocator{}, DefaultChunkSize)
}

func (w *SegmentWriter[T]) GetSpan(sizeHint int) []T {
	if sizeHint < 1 {
		sizeHint = 1
	}
	if w.tail != nil {
		if free := w.tailBuf[len(w.tail.memory):]; len(free) >= sizeHint {
			return free
		}
	}
	buf := w.alloc.Alloc(max(sizeHint, w.chunkSize))
	if w.tail == nil {
		w.head = NewSegment(buf[:0])
		w.tail = w.head
	} else {
		w.tail = w.tail.Append(buf[:0])
	}
	w.tailBuf = buf
	w.chunks = append(w.chunks, buf)
	return buf
}

func (w *SegmentWriter[T]) Advance(n int) {
	if w.tail == nil {
		if n == 0 {
			return
		}
		panic("BUG: SegmentWriter.Advance without a span")
	}
	used := len(w.tail.memory) + n
	if n < 0 || used > len(w.tailBuf) {
		panic("BUG: SegmentWriter.Advance past the chunk end")
	}
	w.tail.memory = w.tailBuf[:used]
}

// Len returns the number of committed elements.
func (w *SegmentWriter[T]) Len() int64 {
	if w.tail == nil {
		return 0
	}
	return w.tail.runningIndex + int64(len(w.tail.memory))
}

// Sequence returns the committed elements. The sequence is valid until Release.
func (w *SegmentWriter[T]) Sequence() Sequence[T] {
	if w.head == nil {
		return Sequence[T]{}
	}
	return NewSequence(w.head, 0, w.tail, len(w.tail.memory))
}

// WriteTo flushes the committed elements to dst. It is only defined for byte
// writers; other element types report an error.
func (w *SegmentWriter[T]) WriteTo(dst io.Writer) (int64, error) {
	seq, ok := any(w.Sequence()).(Sequence[byte])
	if !ok {
		return 0, errors.New("buffers: WriteTo on a non-byte SegmentWriter")
	}
	return WriteSequenceTo(dst, seq)
}

// Release returns every chunk to the allocator and empties the writer.
func (w *SegmentWriter[T]) Release() {
	for i, c := range w.chunks {
		w.alloc.Free(c)
		w.chunks[i] = nil
	}
	w.chunks = w.chunks[:0]
	w.head, w.tail, w.tailBuf = nil, nil, nil
}

// WriteSequenceTo writes seq to dst with a single vectored write where the
// destination supports it.
func WriteSequenceTo(dst io.Writer, seq Sequence[byte]) (int64, error) {
	var bufs net.Buffers
	seq.each(func(span []byte) {
		bufs = append(bufs, span)
	})
	return bufs.WriteTo(dst)
}
