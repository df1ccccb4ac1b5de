//go:build linux

package nioproxy

import (
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

func wrapSyscallError(op string, err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return os.NewSyscallError(op, errno)
	}
	return err
}

// FromConn duplicates the descriptor behind a net.Conn or net.Listener and
// returns it as a non-blocking endpoint. The passed connection stays
// owned by the caller.
func FromConn(conn syscall.Conn) (*Endpoint, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	var dupErr error
	err = raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("fcntl", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}
	kind, err := socketKind(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	ep := newEndpoint(kind, fd, "")
	ep.connected = kind == KindStream
	if kind == KindDatagram {
		if _, err := unix.Getpeername(fd); err == nil {
			ep.connected = true
		}
	}
	if addr := ep.RemoteAddr(); addr != nil {
		ep.id = addr.String()
	} else if addr := ep.LocalAddr(); addr != nil {
		ep.id = addr.String()
	}
	return ep, nil
}

func socketKind(fd int) (EndpointKind, error) {
	soType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	if soType == unix.SOCK_DGRAM {
		return KindDatagram, nil
	}
	accepting, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err == nil && accepting != 0 {
		return KindListener, nil
	}
	return KindStream, nil
}

func sockaddrToAddr(sa unix.Sockaddr, kind EndpointKind) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(append([]byte(nil), a.Addr[:]...))
		if kind == KindDatagram {
			return &net.UDPAddr{IP: ip, Port: a.Port}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := net.IP(append([]byte(nil), a.Addr[:]...))
		if kind == KindDatagram {
			return &net.UDPAddr{IP: ip, Port: a.Port}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrUnix:
		if kind == KindDatagram {
			return &net.UnixAddr{Name: a.Name, Net: "unixgram"}
		}
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	}
	return "?"
}

func datagramNetwork(e *Endpoint) string {
	sa, err := unix.Getsockname(e.fd)
	if err != nil {
		return "udp"
	}
	switch sa.(type) {
	case *unix.SockaddrInet6:
		return "udp6"
	case *unix.SockaddrUnix:
		return "unixgram"
	}
	return "udp4"
}

// drainWindowOf exposes chunk as a drain-mode window without copying it.
func drainWindowOf(chunk []byte) *ByteWindow {
	w := wrapWindow(chunk)
	w.position = len(chunk)
	_ = w.SwitchToDrain()
	return w
}
