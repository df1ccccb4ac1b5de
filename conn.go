//go:build linux

package nioproxy

import (
	"errors"
	"io"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// Conn is a stream endpoint driven by an EventLoop. Outbound data is queued
// in chunks and flushed on write readiness; inbound data is handed to the
// handler chunk by chunk.
type Conn struct {
	id        uint64
	ep        *Endpoint
	el        *EventLoop
	reg       *Registration
	handler   NetEventHandler
	outbound  *queue.Queue
	out       *ByteWindow
	pending   int
	peer      *Conn
	context   interface{}
	deadline  int64
	stats     SessionStats
	readPause bool
	readDone  bool
	shutReq   bool
	writeShut bool
	draining  bool
	closed    bool
}

func newConn(el *EventLoop, ep *Endpoint, handler NetEventHandler) *Conn {
	el.nextConnID++
	caps := ep.Capabilities()
	return &Conn{
		id:        el.nextConnID,
		ep:        ep,
		el:        el,
		handler:   handler,
		outbound:  queue.New(),
		readDone:  caps&InterestRead == 0,
		writeShut: caps&InterestWrite == 0,
		stats:     SessionStats{LastActivityTime: time.Now().UnixMilli()},
	}
}

func (c *Conn) Endpoint() *Endpoint {
	return c.ep
}

func (c *Conn) Loop() *EventLoop {
	return c.el
}

func (c *Conn) Peer() *Conn {
	return c.peer
}

// Link makes a and b peers of each other.
func Link(a, b *Conn) {
	a.peer = b
	b.peer = a
}

func (c *Conn) Context() interface{} {
	return c.context
}

func (c *Conn) SetContext(ctx interface{}) {
	c.context = ctx
}

// Pending returns the number of queued outbound bytes not yet written.
func (c *Conn) Pending() int {
	return c.pending
}

func (c *Conn) IsClosed() bool {
	return c.closed
}

func (c *Conn) Stats() SessionStats {
	return c.stats
}

func (c *Conn) String() string {
	return c.ep.String()
}

// Write queues a copy of p and writes as much as the socket accepts now.
func (c *Conn) Write(p []byte) error {
	if c.closed {
		return ErrClosedEndpoint
	}
	if c.shutReq || c.writeShut {
		return ErrUnsupported
	}
	if len(p) == 0 {
		return nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	c.outbound.Add(chunk)
	c.pending += len(chunk)
	if err := c.flush(); err != nil {
		c.CloseWithError(err)
		return err
	}
	c.updateInterest()
	return nil
}

// ShutdownWrite half-closes the connection once every queued byte is written.
func (c *Conn) ShutdownWrite() error {
	if c.closed || c.shutReq {
		return nil
	}
	c.shutReq = true
	if err := c.flush(); err != nil {
		c.CloseWithError(err)
		return nil
	}
	c.updateInterest()
	c.checkDone()
	return nil
}

// PauseRead stops reading until ResumeRead. Data stays in the kernel buffers.
func (c *Conn) PauseRead() {
	if c.readPause {
		return
	}
	c.readPause = true
	c.updateInterest()
}

func (c *Conn) ResumeRead() {
	if !c.readPause {
		return
	}
	c.readPause = false
	c.updateInterest()
}

func (c *Conn) Close() error {
	c.CloseWithError(nil)
	return nil
}

// CloseWithError closes the descriptor, deregisters it and reports err to
// the handler. Only the first call has an effect.
func (c *Conn) CloseWithError(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.el.removeConn(c)
	if closeErr := c.ep.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	for c.outbound.Length() > 0 {
		c.outbound.Remove()
	}
	c.out = nil
	c.pending = 0
	c.el.connClosed(c, err)
	c.handler.CloseEvent(c, err)
}

func (c *Conn) flush() error {
	if c.ep.Connecting() {
		return nil
	}
	hadPending := c.pending > 0
	for c.pending > 0 {
		if c.out == nil || !c.out.HasRemaining() {
			c.out = drainWindowOf(c.outbound.Remove().([]byte))
		}
		n, err := c.ep.TryWrite(c.out)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		c.pending -= n
		c.stats.TotalSentBytes += uint64(n)
		c.el.stats.sentBytes.Add(uint64(n))
		c.el.touch(c)
	}
	if c.pending > 0 {
		return nil
	}
	c.out = nil
	if c.shutReq && !c.writeShut {
		if err := c.ep.ShutdownWrite(); err != nil {
			return err
		}
		c.writeShut = true
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] shut down outbound direction of %s", c.ep.Fd(), c)
		}
	}
	if hadPending && !c.draining {
		c.draining = true
		err := c.handler.DrainEvent(c)
		c.draining = false
		return err
	}
	return nil
}

func (c *Conn) interest() Interest {
	var interest Interest
	if !c.readDone && !c.readPause {
		interest |= InterestRead
	}
	if c.pending > 0 || c.ep.Connecting() {
		interest |= InterestWrite
	}
	return interest & c.ep.Capabilities()
}

func (c *Conn) updateInterest() {
	if c.closed || c.reg == nil {
		return
	}
	interest := c.interest()
	if interest == c.reg.Interest() {
		return
	}
	if err := c.reg.SetInterest(interest); err != nil {
		log.Error().Msgf("[%d] can't update interest of %s: %+v", c.ep.Fd(), c, err)
		c.CloseWithError(err)
	}
}

func (c *Conn) checkDone() {
	if !c.closed && c.readDone && c.writeShut && c.pending == 0 {
		c.CloseWithError(nil)
	}
}

func (c *Conn) readAvailable() error {
	w := c.el.window
	for !c.closed && !c.readDone && !c.readPause {
		w.ResetToFill()
		n, err := c.ep.TryRead(w)
		if errors.Is(err, io.EOF) {
			c.readDone = true
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] end of stream from %s", c.ep.Fd(), c)
			}
			return c.handler.EOFEvent(c)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_ = w.SwitchToDrain()
		c.stats.TotalReceivedBytes += uint64(n)
		c.el.stats.receivedBytes.Add(uint64(n))
		c.el.touch(c)
		if err = c.handler.ReadEvent(c, w.unread()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) onReady(el *EventLoop, entry ReadyEntry) {
	if c.closed {
		return
	}
	if entry.IsWritable() {
		if c.ep.Connecting() {
			if err := c.ep.FinishConnect(); err != nil {
				c.CloseWithError(err)
				return
			}
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] connected %s", c.ep.Fd(), c)
			}
		}
		if err := c.flush(); err != nil {
			c.CloseWithError(err)
			return
		}
	}
	if entry.IsReadable() && !c.closed {
		if err := c.readAvailable(); err != nil {
			c.CloseWithError(err)
			return
		}
	}
	c.updateInterest()
	c.checkDone()
}
