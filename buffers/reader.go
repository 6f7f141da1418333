package buffers

import (
	"bytes"
	"slices"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned when a cursor move would leave the sequence.
var ErrOutOfRange = errors.New("buffers: cursor move out of range")

// Reader is a forward cursor over a Sequence.
//
// Reader is a value type. Hand it around as *Reader; assigning one Reader to
// another takes an independent snapshot that can be scanned without touching
// the original, which is how the slow paths below look ahead.
type Reader[T comparable] struct {
	seq Sequence[T]
	seg *Segment[T]
	// span is the part of seg that lies inside seq.
	span []T
	// offset of span[0] inside seg.memory.
	spanOffset int
	index      int
	consumed   int64
}

// NewReader returns a cursor positioned at the start of seq.
func NewReader[T comparable](seq Sequence[T]) Reader[T] {
	r := Reader[T]{seq: seq}
	r.reset()
	return r
}

func (r *Reader[T]) reset() {
	r.consumed = 0
	r.index = 0
	r.seg = r.seq.start
	if r.seg == nil {
		r.span = nil
		r.spanOffset = 0
		return
	}
	r.span = r.seq.spanOf(r.seg)
	r.spanOffset = r.seq.startIndex
	if len(r.span) == 0 {
		r.nextSpan()
	}
}

// nextSpan moves to the next non-empty span. It reports false when no
// non-empty span follows; trailing empty segments may still be stepped over.
func (r *Reader[T]) nextSpan() bool {
	for r.seg != nil && r.seg != r.seq.end && r.seg.next != nil {
		r.seg = r.seg.next
		r.span = r.seq.spanOf(r.seg)
		r.spanOffset = 0
		r.index = 0
		if len(r.span) > 0 {
			return true
		}
	}
	return false
}

// advanceCurrent moves n elements inside the current span; n must not
// exceed len(r.UnreadSpan()).
func (r *Reader[T]) advanceCurrent(n int) {
	r.index += n
	r.consumed += int64(n)
	if r.index >= len(r.span) {
		r.nextSpan()
	}
}

// End reports whether every element has been consumed.
func (r *Reader[T]) End() bool {
	return r.index >= len(r.span)
}

func (r *Reader[T]) Consumed() int64 {
	return r.consumed
}

func (r *Reader[T]) Remaining() int64 {
	return r.seq.Len() - r.consumed
}

func (r *Reader[T]) Sequence() Sequence[T] {
	return r.seq
}

// CurrentSpan returns the whole chunk the cursor is in.
func (r *Reader[T]) CurrentSpan() []T {
	return r.span
}

func (r *Reader[T]) CurrentSpanIndex() int {
	return r.index
}

// UnreadSpan returns the unread part of the current chunk.
func (r *Reader[T]) UnreadSpan() []T {
	return r.span[r.index:]
}

// Position returns a mark that Seek can restore.
func (r *Reader[T]) Position() Position[T] {
	if r.seg == nil {
		return Position[T]{}
	}
	return Position[T]{segment: r.seg, index: r.spanOffset + r.index}
}

// Seek moves the cursor to pos, which must come from the same sequence.
func (r *Reader[T]) Seek(pos Position[T]) error {
	if pos.segment == nil {
		if r.seq.start == nil {
			return nil
		}
		return ErrOutOfRange
	}
	target := pos.absolute() - r.seq.Start().absolute()
	if target < 0 || target > r.seq.Len() {
		return ErrOutOfRange
	}
	r.reset()
	return r.Advance(target)
}

// TryRead returns the next element and moves past it.
func (r *Reader[T]) TryRead() (v T, ok bool) {
	if r.End() {
		return
	}
	v = r.span[r.index]
	r.advanceCurrent(1)
	return v, true
}

// TryPeek returns the next element without consuming it.
func (r *Reader[T]) TryPeek() (v T, ok bool) {
	if r.End() {
		return
	}
	return r.span[r.index], true
}

// Advance skips n elements, crossing chunk boundaries as needed.
// The cursor does not move when n is negative or larger than Remaining.
func (r *Reader[T]) Advance(n int64) error {
	if n < 0 || n > r.Remaining() {
		return ErrOutOfRange
	}
	for n > 0 {
		step := len(r.span) - r.index
		if int64(step) > n {
			step = int(n)
		}
		r.advanceCurrent(step)
		n -= int64(step)
	}
	return nil
}

// Rewind moves back n elements. Going back past the start of the current
// chunk restarts from the beginning of the sequence.
func (r *Reader[T]) Rewind(n int64) error {
	if n < 0 || n > r.consumed {
		return ErrOutOfRange
	}
	if n <= int64(r.index) {
		r.index -= int(n)
		r.consumed -= n
		return nil
	}
	target := r.consumed - n
	r.reset()
	return r.Advance(target)
}

// AdvancePastAny skips a run of elements equal to any of values and returns
// how many were skipped.
func (r *Reader[T]) AdvancePastAny(values ...T) int64 {
	start := r.consumed
	for {
		v, ok := r.TryPeek()
		if !ok || !slices.Contains(values, v) {
			break
		}
		r.advanceCurrent(1)
	}
	return r.consumed - start
}

// TryReadTo is TryReadToAny with a single delimiter.
func (r *Reader[T]) TryReadTo(delimiter T, advancePastDelimiter bool) ([]T, bool) {
	return r.TryReadToAny([]T{delimiter}, advancePastDelimiter)
}

// TryReadToAny returns everything up to the first element matching one of
// delimiters. When the match lies inside the current chunk the returned slice
// aliases it; otherwise the elements are copied into a new slice.
//
// On a miss nothing is consumed.
func (r *Reader[T]) TryReadToAny(delimiters []T, advancePastDelimiter bool) ([]T, bool) {
	unread := r.UnreadSpan()
	if i := indexAny(unread, delimiters); i != -1 {
		span := unread[:i]
		r.advanceCurrent(i)
		if advancePastDelimiter {
			r.advanceCurrent(1)
		}
		return span, true
	}
	return r.tryReadToAnySlow(delimiters, advancePastDelimiter)
}

func (r *Reader[T]) tryReadToAnySlow(delimiters []T, advancePastDelimiter bool) ([]T, bool) {
	scan := *r
	var total int64
	for {
		unread := scan.UnreadSpan()
		if i := indexAny(unread, delimiters); i != -1 {
			total += int64(i)
			break
		}
		total += int64(len(unread))
		if !scan.nextSpan() {
			return nil, false
		}
	}
	span := make([]T, total)
	r.peekCopy(span)
	_ = r.Advance(total)
	if advancePastDelimiter {
		_ = r.Advance(1)
	}
	return span, true
}

// TryCopyTo fills dst with the next len(dst) elements without consuming them.
func (r *Reader[T]) TryCopyTo(dst []T) bool {
	if int64(len(dst)) > r.Remaining() {
		return false
	}
	r.peekCopy(dst)
	return true
}

func (r *Reader[T]) peekCopy(dst []T) int {
	scan := *r
	n := 0
	for n < len(dst) {
		n += copy(dst[n:], scan.UnreadSpan())
		if n < len(dst) && !scan.nextSpan() {
			break
		}
	}
	return n
}

// IsNext reports whether the unread elements start with candidate, and
// consumes them when advancePast is set and they do.
func (r *Reader[T]) IsNext(candidate []T, advancePast bool) bool {
	unread := r.UnreadSpan()
	if len(unread) >= len(candidate) {
		if !slices.Equal(unread[:len(candidate)], candidate) {
			return false
		}
		if advancePast && len(candidate) > 0 {
			r.advanceCurrent(len(candidate))
		}
		return true
	}
	return r.isNextSlow(candidate, advancePast)
}

func (r *Reader[T]) isNextSlow(candidate []T, advancePast bool) bool {
	if int64(len(candidate)) > r.Remaining() {
		return false
	}
	scan := *r
	rest := candidate
	for len(rest) > 0 {
		unread := scan.UnreadSpan()
		n := min(len(unread), len(rest))
		if !slices.Equal(unread[:n], rest[:n]) {
			return false
		}
		rest = rest[n:]
		if len(rest) > 0 && !scan.nextSpan() {
			return false
		}
	}
	if advancePast {
		_ = r.Advance(int64(len(candidate)))
	}
	return true
}

func indexAny[T comparable](span, delimiters []T) int {
	switch len(delimiters) {
	case 0:
		return -1
	case 1:
		if b, ok := any(span).([]byte); ok {
			return bytes.IndexByte(b, any(delimiters[0]).(byte))
		}
		return slices.Index(span, delimiters[0])
	}
	for i, v := range span {
		for _, d := range delimiters {
			if v == d {
				return i
			}
		}
	}
	return -1
}
