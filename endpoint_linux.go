//go:build linux

package nioproxy

import (
	"io"
	"net"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type EndpointKind int8

const (
	KindFile = EndpointKind(iota)
	KindListener
	KindStream
	KindDatagram
	KindPipeSource
	KindPipeSink
)

func (k EndpointKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindListener:
		return "listener"
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	case KindPipeSource:
		return "pipe-source"
	case KindPipeSink:
		return "pipe-sink"
	}
	return "unknown"
}

// Interest is a set of operations an endpoint is (or wants to be) ready for.
type Interest uint32

const (
	InterestAccept Interest = 1 << iota
	InterestRead
	InterestWrite
)

func (i Interest) String() string {
	s := ""
	if i&InterestAccept != 0 {
		s += "A"
	}
	if i&InterestRead != 0 {
		s += "R"
	}
	if i&InterestWrite != 0 {
		s += "W"
	}
	if s == "" {
		return "-"
	}
	return s
}

func capabilitiesOf(kind EndpointKind) Interest {
	switch kind {
	case KindListener:
		return InterestAccept
	case KindFile, KindStream, KindDatagram:
		return InterestRead | InterestWrite
	case KindPipeSource:
		return InterestRead
	case KindPipeSink:
		return InterestWrite
	}
	return 0
}

// Endpoint wraps one non-blocking descriptor. The kind decides which of
// read, write and accept it supports. It never owns data: bytes always
// move through a caller supplied ByteWindow.
type Endpoint struct {
	id         string
	kind       EndpointKind
	fd         int
	closed     *atomic.Bool
	connecting bool
	connected  bool
	writeShut  bool
	peer       unix.Sockaddr
	mux        *Multiplexer
}

func newEndpoint(kind EndpointKind, fd int, id string) *Endpoint {
	return &Endpoint{
		id:     id,
		kind:   kind,
		fd:     fd,
		closed: atomic.NewBool(false),
	}
}

func (e *Endpoint) Fd() int {
	return e.fd
}

func (e *Endpoint) Kind() EndpointKind {
	return e.kind
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) String() string {
	return e.kind.String() + "(" + e.id + ")"
}

func (e *Endpoint) Capabilities() Interest {
	return capabilitiesOf(e.kind)
}

func (e *Endpoint) IsClosed() bool {
	return e.closed.Load()
}

// Connecting reports whether a non-blocking dial has not completed yet.
func (e *Endpoint) Connecting() bool {
	return e.connecting
}

func (e *Endpoint) failure(op string, err error) error {
	return &EndpointFailure{Op: op, Fd: e.fd, Err: wrapSyscallError(op, err)}
}

func (e *Endpoint) checkOp(required Interest) error {
	if e.closed.Load() {
		return ErrClosedEndpoint
	}
	if e.Capabilities()&required == 0 {
		return ErrUnsupported
	}
	return nil
}

// TryRead makes one non-blocking read into a fill-mode window.
// It returns (0, nil) when the read would block and (0, io.EOF) at end of stream.
func (e *Endpoint) TryRead(w *ByteWindow) (int, error) {
	n, _, err := e.readOnce(w, e.kind == KindDatagram && !e.connected)
	return n, err
}

// readOnce reports through got whether anything (even an empty datagram)
// was consumed from the descriptor.
func (e *Endpoint) readOnce(w *ByteWindow, recvFrom bool) (n int, got bool, err error) {
	if err = e.checkOp(InterestRead); err != nil {
		return 0, false, err
	}
	if w.mode != FillMode || w.readOnly {
		return 0, false, ErrInvalidMode
	}
	buf := w.unfilled()
	if len(buf) == 0 {
		return 0, false, nil
	}
	for {
		if recvFrom {
			var from unix.Sockaddr
			n, from, err = unix.Recvfrom(e.fd, buf, 0)
			if err == nil && from != nil {
				e.peer = from
			}
		} else {
			n, err = unix.Read(e.fd, buf)
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, false, nil
		case err != nil:
			return 0, false, e.failure("read", err)
		case n == 0 && e.kind != KindDatagram:
			return 0, false, io.EOF
		}
		w.advance(n)
		return n, true, nil
	}
}

// TryWrite makes one non-blocking write from a drain-mode window. The write
// may be partial; (0, nil) means it would block.
func (e *Endpoint) TryWrite(w *ByteWindow) (int, error) {
	if err := e.checkOp(InterestWrite); err != nil {
		return 0, err
	}
	if w.mode != DrainMode {
		return 0, ErrInvalidMode
	}
	buf := w.unread()
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, err := e.write(buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, e.failure("write", err)
		}
		w.advance(n)
		return n, nil
	}
}

func (e *Endpoint) write(buf []byte) (int, error) {
	if e.kind == KindDatagram && !e.connected && e.peer != nil {
		if err := unix.Sendto(e.fd, buf, 0, e.peer); err != nil {
			return 0, err
		}
		return len(buf), nil
	}
	return unix.Write(e.fd, buf)
}

// TryReadVec scatters one non-blocking read across several fill-mode windows.
func (e *Endpoint) TryReadVec(windows ...*ByteWindow) (int, error) {
	if err := e.checkOp(InterestRead); err != nil {
		return 0, err
	}
	iovs := make([][]byte, 0, len(windows))
	space := 0
	for _, w := range windows {
		if w.mode != FillMode || w.readOnly {
			return 0, ErrInvalidMode
		}
		iovs = append(iovs, w.unfilled())
		space += w.Remaining()
	}
	if space == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Readv(e.fd, iovs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, e.failure("readv", err)
		case n == 0 && e.kind != KindDatagram:
			return 0, io.EOF
		}
		spread(windows, n)
		return n, nil
	}
}

// TryWriteVec gathers the unread bytes of several drain-mode windows into one write.
func (e *Endpoint) TryWriteVec(windows ...*ByteWindow) (int, error) {
	if err := e.checkOp(InterestWrite); err != nil {
		return 0, err
	}
	iovs := make([][]byte, 0, len(windows))
	pending := 0
	for _, w := range windows {
		if w.mode != DrainMode {
			return 0, ErrInvalidMode
		}
		iovs = append(iovs, w.unread())
		pending += w.Remaining()
	}
	if pending == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Writev(e.fd, iovs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, e.failure("writev", err)
		}
		spread(windows, n)
		return n, nil
	}
}

func spread(windows []*ByteWindow, n int) {
	for _, w := range windows {
		if n == 0 {
			return
		}
		step := w.Remaining()
		if step > n {
			step = n
		}
		w.advance(step)
		n -= step
	}
}

// TransferTo sends up to count bytes of a file starting at offset straight
// to sink with sendfile(2). (0, nil) means the sink would block.
func (e *Endpoint) TransferTo(offset int64, count int, sink *Endpoint) (int, error) {
	if err := e.checkOp(InterestRead); err != nil {
		return 0, err
	}
	if e.kind != KindFile {
		return 0, ErrUnsupported
	}
	if err := sink.checkOp(InterestWrite); err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, nil
	}
	for {
		off := offset
		n, err := unix.Sendfile(sink.fd, e.fd, &off, count)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if n > 0 {
				return n, nil
			}
			return 0, nil
		case err != nil:
			return 0, sink.failure("sendfile", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// MapFile maps length bytes of a file starting at offset into a read-only
// window that is already in drain mode. Release the window to unmap it.
// The range must lie within the current file size.
func (e *Endpoint) MapFile(offset int64, length int) (*ByteWindow, error) {
	if err := e.checkOp(InterestRead); err != nil {
		return nil, err
	}
	if e.kind != KindFile {
		return nil, ErrUnsupported
	}
	if offset < 0 || length < 0 {
		return nil, ErrInvalidRange
	}
	size, err := e.FileSize()
	if err != nil {
		return nil, err
	}
	if offset+int64(length) > size {
		return nil, ErrInvalidRange
	}
	if length == 0 {
		w := NewByteWindow(0)
		_ = w.SwitchToDrain()
		return w, nil
	}
	data, err := unix.Mmap(e.fd, offset, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, e.failure("mmap", err)
	}
	w := wrapWindow(data)
	w.position = len(data)
	_ = w.SwitchToDrain()
	w.readOnly = true
	w.release = unix.Munmap
	return w, nil
}

// TryAccept returns the next pending connection or nil when there is none.
func (e *Endpoint) TryAccept() (*Endpoint, error) {
	if err := e.checkOp(InterestAccept); err != nil {
		return nil, err
	}
	for {
		fd, sa, err := unix.Accept4(e.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, nil
		case err != nil:
			return nil, e.failure("accept", err)
		}
		conn := newEndpoint(KindStream, fd, sockaddrString(sa))
		conn.connected = true
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] accepted connection: %s", fd, conn.id)
		}
		return conn, nil
	}
}

// FinishConnect completes a non-blocking dial once the socket is writable.
func (e *Endpoint) FinishConnect() error {
	if e.closed.Load() {
		return ErrClosedEndpoint
	}
	if !e.connecting {
		return nil
	}
	soErr, err := unix.GetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return e.failure("getsockopt", err)
	}
	if soErr != 0 {
		return e.failure("connect", unix.Errno(soErr))
	}
	e.connecting = false
	e.connected = true
	return nil
}

// ShutdownWrite half-closes the endpoint: the peer sees end of stream while
// the inbound direction stays open. A pipe sink has no inbound direction, so
// it is closed.
func (e *Endpoint) ShutdownWrite() error {
	if e.closed.Load() {
		return ErrClosedEndpoint
	}
	if e.writeShut {
		return nil
	}
	switch e.kind {
	case KindStream:
		err := unix.Shutdown(e.fd, unix.SHUT_WR)
		if err != nil && err != unix.ENOTCONN {
			return e.failure("shutdown", err)
		}
	case KindPipeSink:
		e.writeShut = true
		return e.Close()
	case KindFile, KindDatagram:
	default:
		return ErrUnsupported
	}
	e.writeShut = true
	return nil
}

// ReceiveFrom reads one datagram and reports its sender. The address is
// nil when no datagram was pending.
func (e *Endpoint) ReceiveFrom(w *ByteWindow) (int, net.Addr, error) {
	if e.kind != KindDatagram {
		return 0, nil, ErrUnsupported
	}
	n, got, err := e.readOnce(w, true)
	if err != nil || !got {
		return n, nil, err
	}
	return n, sockaddrToAddr(e.peer, e.kind), nil
}

// SendTo writes the unread bytes of w as one datagram to addr.
func (e *Endpoint) SendTo(w *ByteWindow, addr string) (int, error) {
	if e.kind != KindDatagram {
		return 0, ErrUnsupported
	}
	target, err := defaultResolver().resolve(datagramNetwork(e), addr)
	if err != nil {
		return 0, err
	}
	prev, connected := e.peer, e.connected
	e.peer, e.connected = target.sockaddr(), false
	n, err := e.TryWrite(w)
	e.peer, e.connected = prev, connected
	return n, err
}

func (e *Endpoint) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(e.fd)
	if err != nil {
		return nil
	}
	return sockaddrToAddr(sa, e.kind)
}

func (e *Endpoint) RemoteAddr() net.Addr {
	if e.kind == KindDatagram && !e.connected {
		return sockaddrToAddr(e.peer, e.kind)
	}
	sa, err := unix.Getpeername(e.fd)
	if err != nil {
		return nil
	}
	return sockaddrToAddr(sa, e.kind)
}

// Register attaches the endpoint to m with the given interest set.
func (e *Endpoint) Register(m *Multiplexer, interest Interest) error {
	_, err := m.Register(e, interest)
	return err
}

// Close deregisters the endpoint and releases its descriptor. Closing twice
// is a no-op.
func (e *Endpoint) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	if e.mux != nil {
		e.mux.forget(e)
	}
	err := unix.Close(e.fd)
	if err != nil {
		return e.failure("close", err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] closed endpoint: %s", e.fd, e)
	}
	return nil
}
