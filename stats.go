package nioproxy

import (
	"go.uber.org/atomic"
)

// SessionStats are per connection counters, read on the loop goroutine.
type SessionStats struct {
	LastActivityTime   int64
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}

// LoopStats are updated by the loop and may be read from any goroutine.
type LoopStats struct {
	accepted       *atomic.Uint64
	active         *atomic.Int64
	closed         *atomic.Uint64
	idleClosed     *atomic.Uint64
	failed         *atomic.Uint64
	receivedBytes  *atomic.Uint64
	sentBytes      *atomic.Uint64
	transfersDone  *atomic.Uint64
	transferFailed *atomic.Uint64
}

type LoopStatsSnapshot struct {
	Name               string
	Accepted           uint64
	ActiveSessions     int64
	ClosedSessions     uint64
	IdleClosed         uint64
	FailedSessions     uint64
	TotalReceivedBytes uint64
	TotalSentBytes     uint64
	TransfersDone      uint64
	TransfersFailed    uint64
}

func newLoopStats() *LoopStats {
	return &LoopStats{
		accepted:       atomic.NewUint64(0),
		active:         atomic.NewInt64(0),
		closed:         atomic.NewUint64(0),
		idleClosed:     atomic.NewUint64(0),
		failed:         atomic.NewUint64(0),
		receivedBytes:  atomic.NewUint64(0),
		sentBytes:      atomic.NewUint64(0),
		transfersDone:  atomic.NewUint64(0),
		transferFailed: atomic.NewUint64(0),
	}
}

func (s *LoopStats) snapshot(name string) LoopStatsSnapshot {
	return LoopStatsSnapshot{
		Name:               name,
		Accepted:           s.accepted.Load(),
		ActiveSessions:     s.active.Load(),
		ClosedSessions:     s.closed.Load(),
		IdleClosed:         s.idleClosed.Load(),
		FailedSessions:     s.failed.Load(),
		TotalReceivedBytes: s.receivedBytes.Load(),
		TotalSentBytes:     s.sentBytes.Load(),
		TransfersDone:      s.transfersDone.Load(),
		TransfersFailed:    s.transferFailed.Load(),
	}
}
