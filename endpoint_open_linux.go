//go:build linux

package nioproxy

import (
	"fmt"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"os"
)

// OpenMode selects how OpenFile opens a regular file.
type OpenMode int

const (
	ModeRead OpenMode = 1 << iota
	ModeWrite
	ModeCreate
	ModeTruncate
	ModeAppend
)

const defFilePerm = 0644

func (m OpenMode) flags() int {
	flags := unix.O_NONBLOCK | unix.O_CLOEXEC
	switch {
	case m&ModeRead != 0 && m&ModeWrite != 0:
		flags |= unix.O_RDWR
	case m&ModeWrite != 0:
		flags |= unix.O_WRONLY
	default:
		flags |= unix.O_RDONLY
	}
	if m&ModeCreate != 0 {
		flags |= unix.O_CREAT
	}
	if m&ModeTruncate != 0 {
		flags |= unix.O_TRUNC
	}
	if m&ModeAppend != 0 {
		flags |= unix.O_APPEND
	}
	return flags
}

func OpenFile(path string, mode OpenMode) (*Endpoint, error) {
	for {
		fd, err := unix.Open(path, mode.flags(), defFilePerm)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, &os.PathError{Op: "open", Path: path, Err: err}
		}
		return newEndpoint(KindFile, fd, path), nil
	}
}

// FileSize returns the current size of a file endpoint.
func (e *Endpoint) FileSize() (int64, error) {
	if err := e.checkOp(InterestRead | InterestWrite); err != nil {
		return 0, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(e.fd, &st); err != nil {
		return 0, e.failure("fstat", err)
	}
	return st.Size, nil
}

func socketType(network string) (int, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		return unix.SOCK_STREAM, nil
	case "udp", "udp4", "udp6", "unixgram":
		return unix.SOCK_DGRAM, nil
	}
	return 0, fmt.Errorf("unsupported network: %s", network)
}

func openSocket(network, address string) (int, resolvedAddr, error) {
	sotype, err := socketType(network)
	if err != nil {
		return -1, resolvedAddr{}, err
	}
	addr, err := defaultResolver().resolve(network, address)
	if err != nil {
		return -1, resolvedAddr{}, err
	}
	fd, err := unix.Socket(addr.domain, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, resolvedAddr{}, os.NewSyscallError("socket", err)
	}
	return fd, addr, nil
}

func bindSocket(fd int, addr resolvedAddr) error {
	if addr.domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, addr.sockaddr()); err != nil {
		return os.NewSyscallError("bind", err)
	}
	return nil
}

// Listen opens a non-blocking listening socket. Use port 0 to let the
// kernel pick one and LocalAddr to find it.
func Listen(network, address string) (*Endpoint, error) {
	if sotype, err := socketType(network); err != nil || sotype != unix.SOCK_STREAM {
		return nil, fmt.Errorf("unsupported listen network: %s", network)
	}
	fd, addr, err := openSocket(network, address)
	if err != nil {
		return nil, err
	}
	if err = bindSocket(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	ep := newEndpoint(KindListener, fd, "")
	if local := ep.LocalAddr(); local != nil {
		ep.id = local.String()
	}
	log.Info().Msgf("[%d] listening on %s://%s", fd, network, ep.id)
	return ep, nil
}

// Dial starts a non-blocking stream connect. The endpoint may still be
// connecting when returned: wait for write readiness and call FinishConnect.
func Dial(network, address string) (*Endpoint, error) {
	if sotype, err := socketType(network); err != nil || sotype != unix.SOCK_STREAM {
		return nil, fmt.Errorf("unsupported dial network: %s", network)
	}
	fd, addr, err := openSocket(network, address)
	if err != nil {
		return nil, err
	}
	ep := newEndpoint(KindStream, fd, address)
	err = unix.Connect(fd, addr.sockaddr())
	switch err {
	case nil:
		ep.connected = true
	case unix.EINPROGRESS, unix.EINTR, unix.EAGAIN:
		ep.connecting = true
	default:
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("connect", err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] dialing %s://%s connected: %t", fd, network, address, ep.connected)
	}
	return ep, nil
}

// ListenDatagram binds an unconnected datagram socket. Reads record the
// sender so that the next write answers it.
func ListenDatagram(network, address string) (*Endpoint, error) {
	if sotype, err := socketType(network); err != nil || sotype != unix.SOCK_DGRAM {
		return nil, fmt.Errorf("unsupported datagram network: %s", network)
	}
	fd, addr, err := openSocket(network, address)
	if err != nil {
		return nil, err
	}
	if err = bindSocket(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	ep := newEndpoint(KindDatagram, fd, "")
	if local := ep.LocalAddr(); local != nil {
		ep.id = local.String()
	}
	return ep, nil
}

// DialDatagram opens a datagram socket connected to address.
func DialDatagram(network, address string) (*Endpoint, error) {
	if sotype, err := socketType(network); err != nil || sotype != unix.SOCK_DGRAM {
		return nil, fmt.Errorf("unsupported datagram network: %s", network)
	}
	fd, addr, err := openSocket(network, address)
	if err != nil {
		return nil, err
	}
	if err = unix.Connect(fd, addr.sockaddr()); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("connect", err)
	}
	ep := newEndpoint(KindDatagram, fd, address)
	ep.connected = true
	return ep, nil
}

// OpenPipe returns the read and write ends of a new non-blocking pipe.
func OpenPipe() (source, sink *Endpoint, err error) {
	var fds [2]int
	if err = unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, os.NewSyscallError("pipe2", err)
	}
	id := fmt.Sprintf("pipe:%d->%d", fds[1], fds[0])
	return newEndpoint(KindPipeSource, fds[0], id), newEndpoint(KindPipeSink, fds[1], id), nil
}
