//go:build linux

package nioproxy

import (
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

const defMaxPending = 256 * 1024

// relayHandler forwards everything read from a connection to its peer.
// Reading pauses while the peer has more than maxPending bytes queued and
// resumes when the peer drains. End of stream is passed on as a half-close,
// failures close both sides.
type relayHandler struct {
	maxPending int
}

func (h *relayHandler) OpenEvent(*Conn) error {
	return nil
}

func (h *relayHandler) ReadEvent(c *Conn, data []byte) error {
	peer := c.Peer()
	if peer == nil || peer.IsClosed() {
		return ErrNoPeer
	}
	if err := peer.Write(data); err != nil {
		return err
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("read %d bytes from: %s and queued to %s, pending: %d", len(data), c, peer, peer.Pending())
	}
	if peer.Pending() > h.maxPending {
		c.PauseRead()
	}
	return nil
}

func (h *relayHandler) EOFEvent(c *Conn) error {
	if peer := c.Peer(); peer != nil {
		return peer.ShutdownWrite()
	}
	return c.ShutdownWrite()
}

func (h *relayHandler) DrainEvent(c *Conn) error {
	if peer := c.Peer(); peer != nil {
		peer.ResumeRead()
	}
	return nil
}

func (h *relayHandler) CloseEvent(c *Conn, err error) {
	peer := c.Peer()
	if peer == nil || peer.IsClosed() {
		return
	}
	if err != nil {
		peer.CloseWithError(err)
	}
}

// ProxyHandler dials a backend picked by the balancer for every accepted
// connection and relays both directions.
type ProxyHandler struct {
	relayHandler
	balancer      *Balancer
	socketOptions SocketOptions
}

func NewProxyHandler(balancer *Balancer, options SocketOptions) *ProxyHandler {
	return &ProxyHandler{
		relayHandler:  relayHandler{maxPending: defMaxPending},
		balancer:      balancer,
		socketOptions: options,
	}
}

func (h *ProxyHandler) OpenEvent(c *Conn) error {
	backend, err := h.balancer.Pick(affinityKey(c))
	if err != nil {
		log.Warn().Msgf("can't create any new connections to the backends: %+v", err)
		return err
	}
	ep, err := backend.Dial()
	if err != nil {
		log.Warn().Msgf("can't connect to backend %s: %+v", backend.Name, err)
		return err
	}
	h.socketOptions.apply(ep)
	peer, err := c.Loop().Attach(ep, &h.relayHandler)
	if err != nil {
		_ = ep.Close()
		return err
	}
	Link(c, peer)
	log.Info().Msgf("[%d] new session: %s <-> %s (%s)", c.Endpoint().Fd(), c.Endpoint().ID(), backend.Address, backend.Name)
	return nil
}

// affinityKey keeps connections from one client address on one backend.
func affinityKey(c *Conn) uint64 {
	addr := c.Endpoint().RemoteAddr()
	if addr == nil {
		return c.id
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return xxhash.Sum64String(host)
}
