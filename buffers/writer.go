package buffers

// Sink hands out writable chunks and takes back how much of the last one
// was filled. GetSpan must return at least max(sizeHint, 1) elements.
type Sink[T any] interface {
	GetSpan(sizeHint int) []T
	Advance(n int)
}

// Writer batches writes into the span last obtained from its Sink and only
// reports them to the Sink on Commit or when a new span is needed.
//
// Like Reader, Writer is a value type used through a pointer.
type Writer[T any] struct {
	sink      Sink[T]
	span      []T
	buffered  int
	committed int64
}

func NewWriter[T any](sink Sink[T]) Writer[T] {
	return Writer[T]{sink: sink}
}

// Span returns the writable remainder of the active chunk. Call Advance
// after writing into it.
func (w *Writer[T]) Span() []T {
	return w.span
}

// BytesCommitted returns how many elements the Sink has been told about.
func (w *Writer[T]) BytesCommitted() int64 {
	return w.committed
}

// Buffered returns the number of written but uncommitted elements.
func (w *Writer[T]) Buffered() int {
	return w.buffered
}

// Advance records n elements written directly into Span.
func (w *Writer[T]) Advance(n int) {
	if n > len(w.span) {
		panic("BUG: Writer.Advance past the active span")
	}
	w.buffered += n
	w.span = w.span[n:]
}

// Write copies src, pulling new chunks from the Sink when the active one is
// too small.
func (w *Writer[T]) Write(src []T) {
	if len(w.span) >= len(src) {
		copy(w.span, src)
		w.Advance(len(src))
		return
	}
	w.writeMultiBuffer(src)
}

func (w *Writer[T]) writeMultiBuffer(src []T) {
	for len(src) > 0 {
		if len(w.span) == 0 {
			w.ensureMore(0)
		}
		n := copy(w.span, src)
		src = src[n:]
		w.Advance(n)
	}
}

// Ensure makes the active span at least n elements long.
func (w *Writer[T]) Ensure(n int) {
	if len(w.span) < n {
		w.ensureMore(n)
	}
}

func (w *Writer[T]) ensureMore(n int) {
	w.Commit()
	w.span = w.sink.GetSpan(n)
}

// Commit hands buffered elements to the Sink. It does nothing when no
// element is pending.
func (w *Writer[T]) Commit() {
	if w.buffered == 0 {
		return
	}
	w.committed += int64(w.buffered)
	w.sink.Advance(w.buffered)
	w.buffered = 0
	// the sink owns the rest of the chunk again.
	w.span = nil
}
