//go:build linux

package nioproxy

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"net"
)

type SocketOptions struct {
	RcvBuffer int
	SndBuffer int
	NoDelay   bool
}

// apply configures an accepted or dialed stream socket. Failures are
// logged and otherwise ignored.
func (o SocketOptions) apply(ep *Endpoint) {
	if ep == nil || ep.Kind() != KindStream {
		return
	}
	fd := ep.Fd()
	if o.RcvBuffer > 0 {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.RcvBuffer)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_RCVBUF: %+v", fd, err)
		}
	}
	if o.SndBuffer > 0 {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SndBuffer)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_SNDBUF: %+v", fd, err)
		}
	}
	if o.NoDelay {
		if _, isUnix := ep.LocalAddr().(*net.UnixAddr); isUnix {
			return
		}
		err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options TCP_NODELAY: %+v", fd, err)
		}
	}
}
