package nioproxy

// WindowMode tells whether a ByteWindow is being filled by a producer or
// drained by a consumer.
type WindowMode int8

const (
	FillMode  = WindowMode(0)
	DrainMode = WindowMode(1)
)

func (m WindowMode) String() string {
	if m == DrainMode {
		return "drain"
	}
	return "fill"
}

const noMark = -1

// ByteWindow is a fixed capacity region of bytes with a position, a limit
// and an optional mark. It always holds 0 <= mark <= position <= limit <= capacity.
//
// In fill mode position moves toward limit (== capacity) while bytes are put.
// SwitchToDrain makes the filled bytes readable, ResetToFill forgets them.
// Forgotten bytes are not zeroed.
type ByteWindow struct {
	buf      []byte
	position int
	limit    int
	mark     int
	mode     WindowMode
	readOnly bool
	release  func([]byte) error
}

func NewByteWindow(capacity int) *ByteWindow {
	if capacity < 0 {
		capacity = 0
	}
	return wrapWindow(make([]byte, capacity))
}

func wrapWindow(buf []byte) *ByteWindow {
	return &ByteWindow{
		buf:   buf,
		limit: len(buf),
		mark:  noMark,
		mode:  FillMode,
	}
}

func (w *ByteWindow) Capacity() int {
	return len(w.buf)
}

func (w *ByteWindow) Limit() int {
	return w.limit
}

func (w *ByteWindow) Position() int {
	return w.position
}

func (w *ByteWindow) Mode() WindowMode {
	return w.mode
}

// MarkPosition returns the saved mark, if any.
func (w *ByteWindow) MarkPosition() (int, bool) {
	return w.mark, w.mark != noMark
}

func (w *ByteWindow) Remaining() int {
	return w.limit - w.position
}

func (w *ByteWindow) HasRemaining() bool {
	return w.position < w.limit
}

func (w *ByteWindow) Put(p []byte) error {
	if w.mode != FillMode || w.readOnly {
		return ErrInvalidMode
	}
	if w.position+len(p) > w.limit {
		return ErrOverflow
	}
	w.position += copy(w.buf[w.position:], p)
	return nil
}

func (w *ByteWindow) PutByte(b byte) error {
	if w.mode != FillMode || w.readOnly {
		return ErrInvalidMode
	}
	if w.position >= w.limit {
		return ErrOverflow
	}
	w.buf[w.position] = b
	w.position++
	return nil
}

// SwitchToDrain sets limit to position and position to zero.
func (w *ByteWindow) SwitchToDrain() error {
	if w.mode != FillMode {
		return ErrInvalidMode
	}
	w.limit = w.position
	w.position = 0
	w.mark = noMark
	w.mode = DrainMode
	return nil
}

// Get returns a copy of the next n bytes and advances position.
func (w *ByteWindow) Get(n int) ([]byte, error) {
	if w.mode != DrainMode {
		return nil, ErrInvalidMode
	}
	if n < 0 || w.position+n > w.limit {
		return nil, ErrUnderflow
	}
	out := make([]byte, n)
	copy(out, w.buf[w.position:w.position+n])
	w.position += n
	return out, nil
}

func (w *ByteWindow) GetByte() (byte, error) {
	if w.mode != DrainMode {
		return 0, ErrInvalidMode
	}
	if w.position >= w.limit {
		return 0, ErrUnderflow
	}
	b := w.buf[w.position]
	w.position++
	return b, nil
}

func (w *ByteWindow) Mark() {
	w.mark = w.position
}

func (w *ByteWindow) ResetToMark() error {
	if w.mark == noMark {
		return ErrInvalidMark
	}
	w.position = w.mark
	return nil
}

// RewindToStart allows the current data to be read (or written) again.
func (w *ByteWindow) RewindToStart() {
	w.position = 0
	w.mark = noMark
}

// ResetToFill discards drain state. Previous bytes stay in memory but are
// unreachable until overwritten.
func (w *ByteWindow) ResetToFill() {
	w.position = 0
	w.limit = len(w.buf)
	w.mark = noMark
	w.mode = FillMode
}

// Compact moves unread bytes of a drain-mode window to its start and leaves
// the window in fill mode right after them.
func (w *ByteWindow) Compact() error {
	if w.mode != DrainMode || w.readOnly {
		return ErrInvalidMode
	}
	n := copy(w.buf, w.buf[w.position:w.limit])
	w.position = n
	w.limit = len(w.buf)
	w.mark = noMark
	w.mode = FillMode
	return nil
}

// Release unmaps a window created by MapFile. Heap windows ignore it.
func (w *ByteWindow) Release() error {
	if w.release == nil {
		return nil
	}
	release := w.release
	w.release = nil
	buf := w.buf
	w.buf = nil
	w.position, w.limit, w.mark = 0, 0, noMark
	return release(buf)
}

// unfilled is the writable part of a fill-mode window.
func (w *ByteWindow) unfilled() []byte {
	if w.readOnly {
		return nil
	}
	return w.buf[w.position:w.limit]
}

// unread is the readable part of a drain-mode window.
func (w *ByteWindow) unread() []byte {
	return w.buf[w.position:w.limit]
}

func (w *ByteWindow) advance(n int) {
	w.position += n
}
