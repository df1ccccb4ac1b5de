package nioproxy

import (
	"github.com/rs/zerolog/log"
)

// SessionHolder indexes the live connections of one event loop by
// descriptor. It is only touched from the loop goroutine.
type SessionHolder interface {
	FindSessionByFd(fd int) (*Conn, bool)
	AddSession(c *Conn)
	RemoveSession(c *Conn)
	Sessions() []*Conn
	Len() int
}

func NewMapSessionHolder() SessionHolder {
	return &mapSessionHolder{
		sessions: make(map[int]*Conn),
	}
}

type mapSessionHolder struct {
	sessions map[int]*Conn
}

func (sh *mapSessionHolder) FindSessionByFd(fd int) (*Conn, bool) {
	c, ok := sh.sessions[fd]
	return c, ok
}

func (sh *mapSessionHolder) AddSession(c *Conn) {
	sh.sessions[c.ep.Fd()] = c
}

func (sh *mapSessionHolder) RemoveSession(c *Conn) {
	if current, ok := sh.sessions[c.ep.Fd()]; ok && current == c {
		delete(sh.sessions, c.ep.Fd())
	}
}

func (sh *mapSessionHolder) Sessions() []*Conn {
	conns := make([]*Conn, 0, len(sh.sessions))
	for _, c := range sh.sessions {
		conns = append(conns, c)
	}
	return conns
}

func (sh *mapSessionHolder) Len() int {
	return len(sh.sessions)
}

func logSessions(holder SessionHolder) {
	if !log.Debug().Enabled() {
		return
	}
	log.Debug().Msgf("Total sessions: %d", holder.Len())
	for _, c := range holder.Sessions() {
		stats := c.Stats()
		log.Debug().Msgf("[%d] session:[%s] lastActiveTime: %d sent: %d received: %d pending: %d",
			c.ep.Fd(), c.ep.ID(), stats.LastActivityTime, stats.TotalSentBytes, stats.TotalReceivedBytes, c.Pending())
	}
}
