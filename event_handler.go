package nioproxy

// NetEventHandler receives the lifecycle of one connection owned by an
// EventLoop. All calls happen on the loop goroutine. Returning an error
// closes the connection with that error.
type NetEventHandler interface {
	// OpenEvent is called once the connection is registered with the loop
	OpenEvent(c *Conn) error
	// ReadEvent is called for every chunk read; data is only valid during the call
	ReadEvent(c *Conn, data []byte) error
	// EOFEvent is called when the peer shut its outbound direction
	EOFEvent(c *Conn) error
	// DrainEvent is called when every queued outbound byte was written
	DrainEvent(c *Conn) error
	// CloseEvent is called after the descriptor is closed; err is nil on a clean close
	CloseEvent(c *Conn, err error)
}

// BaseHandler half-closes the connection at end of stream and ignores the
// rest. Embed it to implement only the events you need.
type BaseHandler struct{}

func (BaseHandler) OpenEvent(*Conn) error {
	return nil
}

func (BaseHandler) ReadEvent(*Conn, []byte) error {
	return nil
}

func (BaseHandler) EOFEvent(c *Conn) error {
	return c.ShutdownWrite()
}

func (BaseHandler) DrainEvent(*Conn) error {
	return nil
}

func (BaseHandler) CloseEvent(*Conn, error) {}
