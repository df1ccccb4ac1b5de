//go:build linux

package nioproxy

import (
	"github.com/rs/zerolog/log"
)

// EchoHandler writes every chunk back to the sender and half-closes after
// the sender does.
type EchoHandler struct {
	BaseHandler
}

func NewEchoHandler() NetEventHandler {
	return &EchoHandler{}
}

func (h *EchoHandler) ReadEvent(c *Conn, data []byte) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] read event from stream: %s bytes: %d", c.Endpoint().Fd(), c, len(data))
	}
	return c.Write(data)
}
