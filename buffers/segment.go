// Package buffers holds the segmented read cursor and write accumulator the
// protocol drivers scan and build messages with.
//
// A logical byte (or element) stream is an ordered chain of Segment values.
// A Sequence marks a window on such a chain, a Reader walks it without
// copying, and a Writer batches small writes into chunks requested from a Sink.
package buffers

// Segment is one chunk of a segmented sequence.
//
// The memory a Segment refers to is owned by whoever allocated it
// (a SegmentWriter or the caller); readers only borrow it.
type Segment[T any] struct {
	memory []T
	next   *Segment[T]
	// number of elements in all preceding segments of the chain.
	runningIndex int64
}

// NewSegment returns the first segment of a new chain.
func NewSegment[T any](memory []T) *Segment[T] {
	return &Segment[T]{memory: memory}
}

// Append links a new segment holding memory after s and returns it.
//
// s must be the tail of its chain.
func (s *Segment[T]) Append(memory []T) *Segment[T] {
	if s.next != nil {
		panic("BUG: Segment.Append called on a non-tail segment")
	}
	n := &Segment[T]{
		memory:       memory,
		runningIndex: s.runningIndex + int64(len(s.memory)),
	}
	s.next = n
	return n
}

func (s *Segment[T]) Memory() []T {
	return s.memory
}

func (s *Segment[T]) Next() *Segment[T] {
	return s.next
}

func (s *Segment[T]) RunningIndex() int64 {
	return s.runningIndex
}

// Position marks a place inside a sequence. It is only meaningful for
// the sequence it was taken from.
type Position[T any] struct {
	segment *Segment[T]
	index   int
}

// absolute returns the number of elements of the chain before p.
func (p Position[T]) absolute() int64 {
	if p.segment == nil {
		return 0
	}
	return p.segment.runningIndex + int64(p.index)
}

// Sequence is a window [start, end) over a segment chain.
type Sequence[T any] struct {
	start      *Segment[T]
	startIndex int
	end        *Segment[T]
	endIndex   int
}

// NewSequence returns the window starting at startIndex of first and ending
// (exclusively) at endIndex of last. last must be reachable from first.
func NewSequence[T any](first *Segment[T], startIndex int, last *Segment[T], endIndex int) Sequence[T] {
	if first == nil || last == nil {
		return Sequence[T]{}
	}
	if startIndex < 0 || startIndex > len(first.memory) || endIndex < 0 || endIndex > len(last.memory) {
		panic("BUG: sequence index out of segment bounds")
	}
	return Sequence[T]{start: first, startIndex: startIndex, end: last, endIndex: endIndex}
}

// SequenceOf links chunks into a fresh chain and returns a sequence covering all of it.
// Empty chunks are kept so callers can test boundary handling.
func SequenceOf[T any](chunks ...[]T) Sequence[T] {
	if len(chunks) == 0 {
		return Sequence[T]{}
	}
	first := NewSegment(chunks[0])
	last := first
	for _, c := range chunks[1:] {
		last = last.Append(c)
	}
	return NewSequence(first, 0, last, len(last.memory))
}

// Len returns the number of elements in the sequence.
func (s Sequence[T]) Len() int64 {
	if s.start == nil {
		return 0
	}
	return s.End().absolute() - s.Start().absolute()
}

func (s Sequence[T]) IsEmpty() bool {
	return s.Len() == 0
}

func (s Sequence[T]) IsSingleSegment() bool {
	return s.start == s.end
}

func (s Sequence[T]) Start() Position[T] {
	return Position[T]{segment: s.start, index: s.startIndex}
}

func (s Sequence[T]) End() Position[T] {
	return Position[T]{segment: s.end, index: s.endIndex}
}

// Slice returns the sub-sequence [start, end). Both positions must come from s.
func (s Sequence[T]) Slice(start, end Position[T]) Sequence[T] {
	if start.segment == nil || end.segment == nil {
		return Sequence[T]{}
	}
	if start.absolute() < s.Start().absolute() || end.absolute() > s.End().absolute() || start.absolute() > end.absolute() {
		panic("BUG: sequence slice positions out of range")
	}
	return Sequence[T]{start: start.segment, startIndex: start.index, end: end.segment, endIndex: end.index}
}

// ToSlice copies the sequence into one contiguous slice.
func (s Sequence[T]) ToSlice() []T {
	dst := make([]T, 0, s.Len())
	s.each(func(span []T) {
		dst = append(dst, span...)
	})
	return dst
}

// each calls fn with every non-empty span of the sequence in order.
func (s Sequence[T]) each(fn func(span []T)) {
	if s.start == nil {
		return
	}
	for seg := s.start; seg != nil; seg = seg.next {
		span := s.spanOf(seg)
		if len(span) > 0 {
			fn(span)
		}
		if seg == s.end {
			return
		}
	}
}

// spanOf returns the part of seg that lies inside the sequence window.
func (s Sequence[T]) spanOf(seg *Segment[T]) []T {
	mem := seg.memory
	if seg == s.end {
		mem = mem[:s.endIndex]
	}
	if seg == s.start {
		mem = mem[s.startIndex:]
	}
	return mem
}
