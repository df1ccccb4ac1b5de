//go:build linux

package nioproxy

import (
	"encoding/binary"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"os"
	"sync"
	"time"
	"unsafe"
)

const (
	defEventsBufferSize = 64

	// Infinite makes Poll wait until something is ready.
	Infinite = time.Duration(-1)
)

const (
	readEvents   = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	acceptEvents = unix.EPOLLIN
	writeEvents  = unix.EPOLLOUT
	errorEvents  = unix.EPOLLERR | unix.EPOLLHUP
)

// Registration ties one endpoint to one multiplexer. The generation changes
// for every new registration so that events queued for a closed descriptor
// are never delivered to whoever reuses its number.
type Registration struct {
	ep          *Endpoint
	mux         *Multiplexer
	interest    Interest
	generation  uint32
	armed       bool
	alwaysReady bool
	attachment  interface{}
}

func (r *Registration) Endpoint() *Endpoint {
	return r.ep
}

func (r *Registration) Interest() Interest {
	return r.interest
}

func (r *Registration) Attachment() interface{} {
	return r.attachment
}

func (r *Registration) SetInterest(interest Interest) error {
	_, err := r.mux.Register(r.ep, interest)
	return err
}

// ReadyEntry is one endpoint reported by Poll with the subset of its
// interest that is satisfied.
type ReadyEntry struct {
	Endpoint     *Endpoint
	Ready        Interest
	Registration *Registration
}

func (e ReadyEntry) IsAcceptable() bool {
	return e.Ready&InterestAccept != 0
}

func (e ReadyEntry) IsReadable() bool {
	return e.Ready&InterestRead != 0
}

func (e ReadyEntry) IsWritable() bool {
	return e.Ready&InterestWrite != 0
}

// ReadySet is owned by the multiplexer and valid until the next Poll. It
// must be drained with Next or discarded with Clear before polling again.
type ReadySet struct {
	entries []ReadyEntry
	next    int
}

// Next returns the next entry whose registration is still current. Entries
// of endpoints closed or deregistered after the poll are skipped.
func (s *ReadySet) Next() (ReadyEntry, bool) {
	for s.next < len(s.entries) {
		entry := s.entries[s.next]
		s.entries[s.next] = ReadyEntry{}
		s.next++
		reg := entry.Registration
		if !reg.mux.isCurrent(reg) {
			continue
		}
		entry.Ready &= reg.interest
		if entry.Ready == 0 {
			continue
		}
		return entry, true
	}
	return ReadyEntry{}, false
}

func (s *ReadySet) Clear() {
	for i := s.next; i < len(s.entries); i++ {
		s.entries[i] = ReadyEntry{}
	}
	s.entries = s.entries[:0]
	s.next = 0
}

// Len returns the number of entries not yet consumed.
func (s *ReadySet) Len() int {
	return len(s.entries) - s.next
}

func (s *ReadySet) pending() bool {
	for i := s.next; i < len(s.entries); i++ {
		reg := s.entries[i].Registration
		if reg.mux.isCurrent(reg) && s.entries[i].Ready&reg.interest != 0 {
			return true
		}
	}
	return false
}

// Multiplexer is a level-triggered epoll instance. Everything but Wakeup
// must be called from the goroutine that polls.
type Multiplexer struct {
	fd            int
	wakeFd        int
	wakeLock      sync.Mutex
	events        []unix.EpollEvent
	registrations map[int]*Registration
	files         map[int]*Registration
	generation    uint32
	ready         ReadySet
	closed        *atomic.Bool
}

func OpenMultiplexer(eventBufferSize int) (*Multiplexer, error) {
	if eventBufferSize < defEventsBufferSize {
		eventBufferSize = defEventsBufferSize
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)})
	if err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] opened multiplexer, wakeup fd: %d", fd, wakeFd)
	}
	return &Multiplexer{
		fd:            fd,
		wakeFd:        wakeFd,
		events:        make([]unix.EpollEvent, eventBufferSize),
		registrations: make(map[int]*Registration),
		files:         make(map[int]*Registration),
		closed:        atomic.NewBool(false),
	}, nil
}

// Register adds ep with the given interest or updates the interest of an
// existing registration. An empty interest keeps the registration but stops
// reporting the endpoint.
func (m *Multiplexer) Register(ep *Endpoint, interest Interest) (*Registration, error) {
	if m.closed.Load() {
		return nil, ErrMultiplexerClosed
	}
	if ep.IsClosed() {
		return nil, ErrClosedEndpoint
	}
	if ep.mux != nil && ep.mux != m {
		return nil, ErrAlreadyRegistered
	}
	if interest&^ep.Capabilities() != 0 {
		return nil, ErrInvalidInterest
	}
	reg, ok := m.registrations[ep.fd]
	if !ok {
		m.generation++
		reg = &Registration{
			ep:          ep,
			mux:         m,
			generation:  m.generation,
			alwaysReady: ep.kind == KindFile,
		}
	}
	if err := m.arm(reg, interest); err != nil {
		return nil, err
	}
	if !ok {
		m.registrations[ep.fd] = reg
		if reg.alwaysReady {
			m.files[ep.fd] = reg
		}
		ep.mux = m
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] registered %s for %s", ep.fd, ep, interest)
	}
	return reg, nil
}

func (m *Multiplexer) RegisterWithAttachment(ep *Endpoint, interest Interest, attachment interface{}) (*Registration, error) {
	reg, err := m.Register(ep, interest)
	if err != nil {
		return nil, err
	}
	reg.attachment = attachment
	return reg, nil
}

func (m *Multiplexer) arm(reg *Registration, interest Interest) error {
	reg.interest = interest
	if reg.alwaysReady {
		return nil
	}
	fd := reg.ep.fd
	events := epollEventsOf(interest)
	switch {
	case events == 0 && reg.armed:
		if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return os.NewSyscallError("epoll_ctl del", err)
		}
		reg.armed = false
	case events == 0:
	case reg.armed:
		ev := &unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(reg.generation)}
		if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
			return os.NewSyscallError("epoll_ctl mod", err)
		}
	default:
		ev := &unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(reg.generation)}
		err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_ADD, fd, ev)
		if err == unix.EPERM {
			// not pollable (regular file or /dev/null): always ready
			reg.alwaysReady = true
			m.files[fd] = reg
			return nil
		}
		if err != nil {
			return os.NewSyscallError("epoll_ctl add", err)
		}
		reg.armed = true
	}
	return nil
}

func epollEventsOf(interest Interest) uint32 {
	var events uint32
	if interest&InterestAccept != 0 {
		events |= acceptEvents
	}
	if interest&InterestRead != 0 {
		events |= readEvents
	}
	if interest&InterestWrite != 0 {
		events |= writeEvents
	}
	return events
}

func readyOf(kind EndpointKind, events uint32) Interest {
	var ready Interest
	if events&(readEvents|errorEvents) != 0 {
		if kind == KindListener {
			ready |= InterestAccept
		} else {
			ready |= InterestRead
		}
	}
	if events&(writeEvents|errorEvents) != 0 {
		ready |= InterestWrite
	}
	return ready
}

func (m *Multiplexer) Deregister(ep *Endpoint) error {
	reg, ok := m.registrations[ep.fd]
	if !ok || reg.ep != ep {
		return ErrNotRegistered
	}
	delete(m.registrations, ep.fd)
	delete(m.files, ep.fd)
	ep.mux = nil
	if reg.armed {
		reg.armed = false
		if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_DEL, ep.fd, nil); err != nil {
			return os.NewSyscallError("epoll_ctl del", err)
		}
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] deregistered %s", ep.fd, ep)
	}
	return nil
}

// forget runs before the descriptor of ep is closed.
func (m *Multiplexer) forget(ep *Endpoint) {
	if m.closed.Load() {
		ep.mux = nil
		return
	}
	if err := m.Deregister(ep); err != nil && err != ErrNotRegistered {
		log.Error().Msgf("[%d] error occurs while detaching fd from multiplexer: %v", ep.fd, err)
	}
}

func (m *Multiplexer) isCurrent(reg *Registration) bool {
	if reg.ep.IsClosed() {
		return false
	}
	return m.registrations[reg.ep.fd] == reg
}

// Poll waits up to timeout for registered endpoints to become ready.
// A negative timeout waits forever and zero returns without waiting. The returned set
// is empty on timeout or wakeup.
func (m *Multiplexer) Poll(timeout time.Duration) (*ReadySet, error) {
	if m.closed.Load() {
		return nil, ErrMultiplexerClosed
	}
	if m.ready.pending() {
		return nil, ErrReadySetPending
	}
	m.ready.Clear()
	msec := pollMillis(timeout)
	if m.hasReadyFiles() {
		msec = 0
	}
	var count int
	for {
		n, err := epollWait(m.fd, m.events, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("epoll_wait", err)
		}
		count = n
		break
	}
	for i := 0; i < count; i++ {
		event := m.events[i]
		fd := int(event.Fd)
		if fd == m.wakeFd {
			m.drainWakeup()
			continue
		}
		reg, ok := m.registrations[fd]
		if !ok || reg.generation != uint32(event.Pad) {
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] skipped stale epoll event: %d", fd, event.Events)
			}
			continue
		}
		ready := readyOf(reg.ep.kind, event.Events) & reg.interest
		if ready != 0 {
			m.ready.entries = append(m.ready.entries, ReadyEntry{Endpoint: reg.ep, Ready: ready, Registration: reg})
		}
	}
	for _, reg := range m.files {
		if ready := reg.interest & (InterestRead | InterestWrite); ready != 0 {
			m.ready.entries = append(m.ready.entries, ReadyEntry{Endpoint: reg.ep, Ready: ready, Registration: reg})
		}
	}
	return &m.ready, nil
}

func (m *Multiplexer) hasReadyFiles() bool {
	for _, reg := range m.files {
		if reg.interest != 0 {
			return true
		}
	}
	return false
}

func pollMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	msec := timeout.Milliseconds()
	if msec == 0 && timeout > 0 {
		msec = 1
	}
	return int(msec)
}

// Wakeup makes a blocked Poll return. It is safe to call from any goroutine.
func (m *Multiplexer) Wakeup() error {
	m.wakeLock.Lock()
	defer m.wakeLock.Unlock()
	if m.closed.Load() {
		return ErrMultiplexerClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(m.wakeFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (m *Multiplexer) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wakeFd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

// Len returns the number of registered endpoints.
func (m *Multiplexer) Len() int {
	return len(m.registrations)
}

// Close detaches every endpoint without closing them and releases the epoll
// descriptor.
func (m *Multiplexer) Close() error {
	m.wakeLock.Lock()
	defer m.wakeLock.Unlock()
	if !m.closed.CAS(false, true) {
		return nil
	}
	for fd, reg := range m.registrations {
		reg.ep.mux = nil
		delete(m.registrations, fd)
	}
	m.files = map[int]*Registration{}
	m.ready.Clear()
	if err := unix.Close(m.wakeFd); err != nil {
		log.Error().Msgf("got error while closing wakeup fd: %+v", err)
	}
	err := os.NewSyscallError("close", unix.Close(m.fd))
	if err != nil {
		log.Error().Msgf("got error while closing epoll: %+v", err)
		return err
	}
	return nil
}

func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	var r0 uintptr
	var errno unix.Errno
	var p0 = unsafe.Pointer(&events[0])
	if msec == 0 {
		r0, _, errno = unix.RawSyscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(p0), uintptr(len(events)), 0, 0, 0)
	} else {
		r0, _, errno = unix.Syscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(p0), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if errno != 0 {
		return 0, errno
	}
	return int(r0), nil
}
