//go:build linux

package nioproxy

import (
	"cmp"
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	omap "github.com/akalinux/orderedmap"
	"github.com/aptible/supercronic/cronexpr"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	defWindowSize      = 16 * 1024
	defIdleTreeSize    = 128
	minIdleCheckPeriod = 10 * time.Millisecond
	maxPumpsPerEvent   = 64
	acceptPause        = 100 * time.Millisecond
)

type EventLoopConfig struct {
	Name            string
	LockOsThread    bool
	EventBufferSize int
	WindowSize      int
	// PollTimeout bounds a single Poll; zero or negative waits until something happens
	PollTimeout time.Duration
	// IdleTimeout closes connections without traffic; zero disables it
	IdleTimeout   time.Duration
	StatsCron     string
	SocketOptions SocketOptions
	Router        EventRouter
}

// readyHandler is implemented by everything stored as a registration attachment.
type readyHandler interface {
	onReady(el *EventLoop, entry ReadyEntry)
}

// EventLoop owns one Multiplexer and every endpoint registered with it.
// Start runs it on the calling goroutine; Stop and Stats may be called from
// anywhere else.
type EventLoop struct {
	Name          string
	lockOsThread  bool
	isRunning     *atomic.Bool
	stopRequested *atomic.Bool
	mux           *Multiplexer
	window        *ByteWindow
	pollTimeout   time.Duration
	idleTimeout   time.Duration
	idle          *omap.SliceTree[int64, map[uint64]*Conn]
	idleTracked   int
	statsExpr     *cronexpr.Expression
	nextStats     time.Time
	sessionHolder SessionHolder
	listeners     []*acceptor
	tasks         map[*pipelineTask]struct{}
	socketOptions SocketOptions
	router        EventRouter
	stats         *LoopStats
	nextConnID    uint64
	jobsLock      sync.Mutex
	jobs          []func()
}

func NewEventLoop(config EventLoopConfig) (*EventLoop, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	var statsExpr *cronexpr.Expression
	if config.StatsCron != "" {
		expr, err := cronexpr.Parse(config.StatsCron)
		if err != nil {
			log.Error().Msgf("can't parse stats cron %q: %+v", config.StatsCron, err)
			return nil, err
		}
		statsExpr = expr
	}
	mux, err := OpenMultiplexer(config.EventBufferSize)
	if err != nil {
		log.Error().Msgf("can't open multiplexer: %+v", err)
		return nil, err
	}
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = defWindowSize
	}
	pollTimeout := config.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = Infinite
	}
	el := &EventLoop{
		Name:          config.Name,
		lockOsThread:  config.LockOsThread,
		isRunning:     atomic.NewBool(false),
		stopRequested: atomic.NewBool(false),
		mux:           mux,
		window:        NewByteWindow(windowSize),
		pollTimeout:   pollTimeout,
		idleTimeout:   config.IdleTimeout,
		idle:          omap.NewSliceTree[int64, map[uint64]*Conn](defIdleTreeSize, cmp.Compare),
		statsExpr:     statsExpr,
		sessionHolder: NewMapSessionHolder(),
		tasks:         make(map[*pipelineTask]struct{}),
		socketOptions: config.SocketOptions,
		router:        config.Router,
		stats:         newLoopStats(),
	}
	if statsExpr != nil {
		el.nextStats = statsExpr.Next(time.Now())
	}
	return el, nil
}

// Start runs the loop until Stop is called, ctx is done or the multiplexer
// fails. Every endpoint still owned by the loop is closed on return. A
// stopped loop can't be started again.
func (el *EventLoop) Start(ctx context.Context) error {
	if !el.isRunning.CAS(false, true) {
		return ErrLoopRunning
	}
	defer el.isRunning.Store(false)
	if el.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			el.Stop()
		case <-done:
		}
	}()
	log.Info().Msgf("started event loop:%s", el.Name)
	var loopErr error
	for !el.stopRequested.Load() {
		set, err := el.mux.Poll(el.nextTimeout(time.Now()))
		if err != nil {
			log.Error().Msgf("got error while waiting for the net events: %+v", err)
			loopErr = err
			break
		}
		evCount := 0
		for entry, ok := set.Next(); ok; entry, ok = set.Next() {
			evCount++
			if handler, isHandler := entry.Registration.Attachment().(readyHandler); isHandler {
				handler.onReady(el, entry)
			}
		}
		if log.Debug().Enabled() && evCount > 0 {
			log.Debug().Msgf("processed %d netpoll events", evCount)
		}
		el.runJobs()
		now := time.Now()
		el.expireIdle(now)
		el.resumeAcceptors(now)
		el.reportStats(now)
	}
	el.shutdown()
	log.Info().Msgf("stopped event loop:%s", el.Name)
	return loopErr
}

func (el *EventLoop) Stop() {
	if el.stopRequested.CAS(false, true) {
		if err := el.mux.Wakeup(); err != nil && err != ErrMultiplexerClosed {
			log.Error().Msgf("can't wake up event loop %s: %+v", el.Name, err)
		}
	}
}

// Execute runs fn on the loop goroutine during the next iteration. It is
// the only way to touch loop owned state from another goroutine.
func (el *EventLoop) Execute(fn func()) error {
	if el.stopRequested.Load() {
		return ErrMultiplexerClosed
	}
	el.jobsLock.Lock()
	el.jobs = append(el.jobs, fn)
	el.jobsLock.Unlock()
	return el.mux.Wakeup()
}

func (el *EventLoop) runJobs() {
	el.jobsLock.Lock()
	jobs := el.jobs
	el.jobs = nil
	el.jobsLock.Unlock()
	for _, job := range jobs {
		job()
	}
}

func (el *EventLoop) IsRunning() bool {
	return el.isRunning.Load()
}

func (el *EventLoop) Stats() LoopStatsSnapshot {
	return el.stats.snapshot(el.Name)
}

// Listen hands every connection accepted from ep to handler.
func (el *EventLoop) Listen(ep *Endpoint, handler NetEventHandler) error {
	acc := &acceptor{ep: ep, handler: handler}
	reg, err := el.mux.RegisterWithAttachment(ep, InterestAccept, acc)
	if err != nil {
		return err
	}
	acc.reg = reg
	el.listeners = append(el.listeners, acc)
	return nil
}

// Attach registers an open endpoint as a connection of the loop and calls
// the handler's OpenEvent.
func (el *EventLoop) Attach(ep *Endpoint, handler NetEventHandler) (*Conn, error) {
	c := newConn(el, ep, handler)
	reg, err := el.mux.RegisterWithAttachment(ep, c.interest(), c)
	if err != nil {
		return nil, err
	}
	c.reg = reg
	el.sessionHolder.AddSession(c)
	el.stats.active.Inc()
	el.touch(c)
	el.routeEvent(ep.ID(), newConnEvent(ConnOpened, c, nil))
	if err = handler.OpenEvent(c); err != nil {
		c.CloseWithError(err)
		return nil, err
	}
	c.updateInterest()
	return c, nil
}

// AddPipeline drives p from readiness events. The source and sink must be
// endpoints not registered elsewhere. onDone is called once, after both are
// deregistered; the endpoints themselves stay open.
func (el *EventLoop) AddPipeline(p *Pipeline, onDone func(PumpResult, error)) error {
	source, ok := p.source.(*Endpoint)
	if !ok {
		return ErrUnsupported
	}
	sink, ok := p.sink.(*Endpoint)
	if !ok {
		return ErrUnsupported
	}
	task := &pipelineTask{pipeline: p, source: source, sink: sink, onDone: onDone}
	sourceInterest, sinkInterest := task.interests()
	srcReg, err := el.mux.RegisterWithAttachment(source, sourceInterest, task)
	if err != nil {
		return err
	}
	sinkReg, err := el.mux.RegisterWithAttachment(sink, sinkInterest, task)
	if err != nil {
		_ = el.mux.Deregister(source)
		return err
	}
	task.sourceReg, task.sinkReg = srcReg, sinkReg
	el.tasks[task] = struct{}{}
	return nil
}

func (el *EventLoop) nextTimeout(now time.Time) time.Duration {
	timeout := el.pollTimeout
	limit := func(d time.Duration) {
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	if el.idleTimeout > 0 && el.idleTracked > 0 {
		check := el.idleTimeout / 4
		if check < minIdleCheckPeriod {
			check = minIdleCheckPeriod
		}
		limit(check)
	}
	if el.statsExpr != nil {
		limit(el.nextStats.Sub(now))
	}
	for _, acc := range el.listeners {
		if !acc.pausedUntil.IsZero() {
			limit(acc.pausedUntil.Sub(now))
		}
	}
	return timeout
}

// resumeAcceptors gives listeners paused on descriptor exhaustion their
// accept interest back once the pause is over.
func (el *EventLoop) resumeAcceptors(now time.Time) {
	for _, acc := range el.listeners {
		if acc.pausedUntil.IsZero() || now.Before(acc.pausedUntil) {
			continue
		}
		acc.pausedUntil = time.Time{}
		if err := acc.reg.SetInterest(InterestAccept); err != nil {
			log.Error().Msgf("[%d] can't resume accepting on %s: %+v", acc.ep.Fd(), acc.ep, err)
			continue
		}
		log.Info().Msgf("[%d] resumed accepting on %s", acc.ep.Fd(), acc.ep)
	}
}

// touch moves c to its new idle deadline.
func (el *EventLoop) touch(c *Conn) {
	now := time.Now().UnixMilli()
	c.stats.LastActivityTime = now
	if el.idleTimeout <= 0 || c.closed {
		return
	}
	deadline := now + el.idleTimeout.Milliseconds()
	if deadline == c.deadline {
		return
	}
	el.untrack(c)
	conns, ok := el.idle.Get(deadline)
	if !ok {
		conns = make(map[uint64]*Conn)
		el.idle.Put(deadline, conns)
	}
	conns[c.id] = c
	c.deadline = deadline
	el.idleTracked++
}

func (el *EventLoop) untrack(c *Conn) {
	if c.deadline <= 0 {
		return
	}
	if conns, ok := el.idle.Get(c.deadline); ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			el.idle.Remove(c.deadline)
		}
	}
	c.deadline = 0
	el.idleTracked--
}

func (el *EventLoop) expireIdle(now time.Time) {
	if el.idleTimeout <= 0 {
		return
	}
	var expired []*Conn
	for _, conns := range el.idle.RemoveBetweenKV(-1, now.UnixMilli(), omap.FIRST_KEY) {
		for _, c := range conns {
			c.deadline = 0
			el.idleTracked--
			expired = append(expired, c)
		}
	}
	for _, c := range expired {
		if c.closed {
			continue
		}
		log.Info().Msgf("[%d] closing idle connection %s", c.ep.Fd(), c)
		el.stats.idleClosed.Inc()
		c.CloseWithError(ErrIdleTimeout)
	}
}

func (el *EventLoop) reportStats(now time.Time) {
	if el.statsExpr == nil || now.Before(el.nextStats) {
		return
	}
	el.nextStats = el.statsExpr.Next(now)
	s := el.Stats()
	log.Info().Msgf("loop:%s sessions: %d accepted: %d closed: %d idle closed: %d failed: %d received: %d sent: %d transfers: %d/%d",
		s.Name, s.ActiveSessions, s.Accepted, s.ClosedSessions, s.IdleClosed, s.FailedSessions,
		s.TotalReceivedBytes, s.TotalSentBytes, s.TransfersDone, s.TransfersDone+s.TransfersFailed)
	logSessions(el.sessionHolder)
}

func (el *EventLoop) removeConn(c *Conn) {
	el.untrack(c)
	el.sessionHolder.RemoveSession(c)
}

func (el *EventLoop) connClosed(c *Conn, err error) {
	el.stats.active.Dec()
	el.stats.closed.Inc()
	if err != nil && err != ErrIdleTimeout {
		el.stats.failed.Inc()
		log.Warn().Msgf("[%d] closed %s: %v", c.ep.Fd(), c, err)
	} else if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] closed %s", c.ep.Fd(), c)
	}
	el.routeEvent(c.ep.ID(), newConnEvent(ConnClosed, c, err))
}

func (el *EventLoop) routeEvent(key string, event *Event) {
	if el.router == nil {
		return
	}
	if err := el.router.Process(key, event); err != nil {
		log.Debug().Msgf("can't route event %d: %+v", event.Type, err)
	}
}

func (el *EventLoop) shutdown() {
	el.runJobs()
	for _, c := range el.sessionHolder.Sessions() {
		c.CloseWithError(nil)
	}
	for task := range el.tasks {
		task.finish(el, PumpResult{}, context.Canceled)
	}
	for _, acc := range el.listeners {
		if err := acc.ep.Close(); err != nil {
			log.Error().Msgf("got error while closing listener %s: %+v", acc.ep, err)
		}
	}
	el.listeners = nil
	if err := el.mux.Close(); err != nil {
		log.Error().Msgf("got error while closing multiplexer: %+v", err)
	}
}

type acceptor struct {
	ep          *Endpoint
	reg         *Registration
	handler     NetEventHandler
	pausedUntil time.Time
}

// isAcceptExhausted reports accept errors that persist until some
// descriptors or buffers are released.
func isAcceptExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

// pause drops the accept interest until now+acceptPause. Pending
// connections stay in the kernel backlog.
func (a *acceptor) pause(now time.Time) error {
	a.pausedUntil = now.Add(acceptPause)
	return a.reg.SetInterest(0)
}

func (a *acceptor) onReady(el *EventLoop, entry ReadyEntry) {
	for {
		ep, err := a.ep.TryAccept()
		if isAcceptExhausted(err) {
			log.Warn().Msgf("[%d] pausing accept on %s for %v: %v", a.ep.Fd(), a.ep, acceptPause, err)
			if perr := a.pause(time.Now()); perr != nil {
				log.Error().Msgf("[%d] can't pause accept: %+v", a.ep.Fd(), perr)
			}
			return
		}
		if err != nil {
			log.Error().Msgf("got error while accept connection: %+v", err)
			return
		}
		if ep == nil {
			return
		}
		el.stats.accepted.Inc()
		el.socketOptions.apply(ep)
		if _, err = el.Attach(ep, a.handler); err != nil {
			log.Error().Msgf("[%d] can't attach accepted connection: %+v", ep.Fd(), err)
			_ = ep.Close()
		}
	}
}

type pipelineTask struct {
	pipeline  *Pipeline
	source    *Endpoint
	sink      *Endpoint
	sourceReg *Registration
	sinkReg   *Registration
	onDone    func(PumpResult, error)
	total     PumpResult
}

// interests waits for the sink while it connects or while the window holds
// bytes, and for the source otherwise.
func (t *pipelineTask) interests() (source, sink Interest) {
	if t.sink.Connecting() || t.pipeline.Pending() > 0 {
		return 0, InterestWrite
	}
	return InterestRead, 0
}

func (t *pipelineTask) onReady(el *EventLoop, entry ReadyEntry) {
	if t.sink.Connecting() {
		if entry.Endpoint != t.sink || !entry.IsWritable() {
			return
		}
		if err := t.sink.FinishConnect(); err != nil {
			t.finish(el, t.total, err)
			return
		}
	}
	for i := 0; i < maxPumpsPerEvent; i++ {
		res, err := t.pipeline.PumpOnce()
		t.total.Read += res.Read
		t.total.Written += res.Written
		el.stats.receivedBytes.Add(uint64(res.Read))
		el.stats.sentBytes.Add(uint64(res.Written))
		if err != nil || res.Done {
			t.total.EOF, t.total.Done = res.EOF, res.Done
			t.finish(el, t.total, err)
			return
		}
		if res.Blocked || (res.Read == 0 && res.Written == 0) {
			break
		}
	}
	sourceInterest, sinkInterest := t.interests()
	if err := t.sourceReg.SetInterest(sourceInterest); err != nil {
		t.finish(el, t.total, err)
		return
	}
	if err := t.sinkReg.SetInterest(sinkInterest); err != nil {
		t.finish(el, t.total, err)
	}
}

func (t *pipelineTask) finish(el *EventLoop, res PumpResult, err error) {
	if _, ok := el.tasks[t]; !ok {
		return
	}
	delete(el.tasks, t)
	if derr := el.mux.Deregister(t.source); derr != nil && derr != ErrNotRegistered {
		log.Error().Msgf("[%d] can't deregister pipeline source: %+v", t.source.Fd(), derr)
	}
	if derr := el.mux.Deregister(t.sink); derr != nil && derr != ErrNotRegistered {
		log.Error().Msgf("[%d] can't deregister pipeline sink: %+v", t.sink.Fd(), derr)
	}
	if err != nil {
		el.stats.transferFailed.Inc()
		log.Warn().Msgf("pipeline %s -> %s failed after %d bytes: %v", t.source, t.sink, res.Written, err)
	} else {
		el.stats.transfersDone.Inc()
		if log.Debug().Enabled() {
			log.Debug().Msgf("pipeline %s -> %s done: %d bytes", t.source, t.sink, res.Written)
		}
	}
	el.routeEvent(t.source.ID(), newTransferEvent(t.source, t.sink, res, err))
	if t.onDone != nil {
		t.onDone(res, err)
	}
}
