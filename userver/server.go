package userver

import (
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/I-Missha/gonet_pace/config"
	"github.com/I-Missha/gonet_pace/uclock"
	"github.com/I-Missha/gonet_pace/upoll"
)

type CloseReason uint8

const (
	ReasonPeer     CloseReason = iota // write side reported closed by the poller
	ReasonWrite                       // write returned EOF, EPIPE or ECONNRESET
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonPeer:
		return "peer"
	case ReasonWrite:
		return "write"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Hooks are invoked on the loop goroutine and must not block.
type Hooks struct {
	OnAccept func(token upoll.Token, addr net.Addr)
	OnClose  func(token upoll.Token, reason CloseReason)
	OnReject func(addr net.Addr)
	OnReset  func(round *Round)
}

type Option func(*Server)

func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *Server) { s.metrics = NewMetrics(reg) }
}

func WithRoundLog(l *RoundLog) Option {
	return func(s *Server) { s.rounds = l }
}

func WithClock(now func() uint64) Option {
	return func(s *Server) { s.now = now }
}

// Server is a single goroutine pacing loop: it accepts connections and writes
// one timestamped packet per period on each of them. A round ends when every
// connection accepted since the last reset has closed.
type Server struct {
	cfg    *config.Config
	mode   upoll.Mode
	period time.Duration

	poller *upoll.Poller
	lnFd   int
	addr   *net.TCPAddr
	slots  *SlotTable

	hooks   Hooks
	metrics *Metrics
	rounds  *RoundLog
	now     func() uint64

	round   Round
	nextDue time.Duration

	running   atomic.Bool
	shutdown  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg *config.Config, opts ...Option) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		mode:   cfg.Mode(),
		period: cfg.Period(),
		lnFd:   -1,
		slots:  NewSlotTable(int(cfg.EventCapacity)),
		now:    uclock.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.rounds == nil {
		s.rounds = NewRoundLog(DefaultRoundLogSize)
	}

	poller, err := upoll.New(int(cfg.EventCapacity))
	if err != nil {
		return nil, &Error{Kind: KindPoll, Token: upoll.ListenerToken, Op: "create", Err: err}
	}
	s.poller = poller

	s.lnFd, s.addr, err = listen(cfg.Address)
	if err != nil {
		s.poller.Close()
		return nil, &Error{Kind: KindIO, Token: upoll.ListenerToken, Op: "listen", Err: err}
	}

	if err := s.poller.Register(s.lnFd, upoll.ListenerToken, upoll.Readable); err != nil {
		unix.Close(s.lnFd)
		s.poller.Close()
		return nil, &Error{Kind: KindRegister, Token: upoll.ListenerToken, Op: "register listener", Err: err}
	}

	s.round = Round{Number: 1, Rate: cfg.Rate}
	s.metrics.Round.Set(1)

	log.Printf(
		"[%s] listening on %s, sending %d bytes every %s (rate=%dHz) on each connection, poll=%s",
		cfg.LogPrefix, s.addr, cfg.PacketSize, s.period, cfg.Rate, s.mode,
	)
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.addr
}

func (s *Server) Rounds() *RoundLog {
	return s.rounds
}

// Run drives Step on a locked OS thread until Shutdown or a fatal error.
func (s *Server) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(s.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for !s.shutdown.Load() {
		if err := s.Step(); err != nil {
			log.Printf("[%s] fatal: %v", s.cfg.LogPrefix, err)
			return err
		}
	}

	log.Printf("[%s] loop stopped", s.cfg.LogPrefix)
	return nil
}

// Shutdown asks Run to return after the current iteration. Safe from any
// goroutine.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
}

// Close stops the loop, waits for Run to return and releases every socket.
// Run called after Close returns ErrRunning.
func (s *Server) Close() error {
	s.Shutdown()
	// claim the loop so a Run that has not started yet returns ErrRunning
	if s.running.CompareAndSwap(false, true) {
		close(s.done)
	} else {
		<-s.done
	}

	var err error
	s.closeOnce.Do(func() {
		for i, c := range s.slots.slots {
			if c != nil {
				s.closeSlot(upoll.Token(i), ReasonShutdown)
			}
		}
		s.slots.Reset()

		if cerr := unix.Close(s.lnFd); cerr != nil {
			err = cerr
		}
		if cerr := s.poller.Close(); cerr != nil && err == nil {
			err = cerr
		}
		log.Printf("[%s] closed", s.cfg.LogPrefix)
	})
	return err
}

// Step runs one loop iteration: poll, accept, apply readiness, write whatever
// is due and reset the round once every connection is gone.
func (s *Server) Step() error {
	timeout := s.mode.Timeout(s.slots.Live(), s.nextDue, s.cfg.PollTimeout)

	events, err := s.poller.Poll(timeout)
	if err != nil {
		return &Error{Kind: KindPoll, Token: upoll.ListenerToken, Op: "poll", Err: err}
	}

	for _, ev := range events {
		if ev.Token == upoll.ListenerToken {
			if err := s.accept(); err != nil {
				return err
			}
			continue
		}

		if err := s.dispatch(ev); err != nil {
			return err
		}
	}

	if err := s.writeAll(); err != nil {
		return err
	}

	if s.slots.Live() == 0 && s.slots.Next() > 0 {
		return s.reset()
	}
	return nil
}

func (s *Server) accept() error {
	for {
		fd, addr, err := accept(s.lnFd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return nil
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				return &Error{Kind: KindAccept, Token: upoll.ListenerToken, Op: "accept", Err: err}
			}
		}

		token := s.slots.Next()
		if uint64(token) >= uint64(s.cfg.MaxConnections) {
			unix.Close(fd)
			s.metrics.Rejected.Inc()
			s.round.Rejected++
			log.Printf("[%s] rejected %s, cannot serve more than %d connections", s.cfg.LogPrefix, addr, s.cfg.MaxConnections)
			if s.hooks.OnReject != nil {
				s.hooks.OnReject(addr)
			}
			continue
		}

		if err := setNoDelay(fd); err != nil {
			unix.Close(fd)
			return &Error{Kind: KindIO, Token: token, Op: "set nodelay", Err: err}
		}

		if err := s.poller.Register(fd, token, upoll.Writable); err != nil {
			unix.Close(fd)
			return &Error{Kind: KindRegister, Token: token, Op: "register", Err: err}
		}

		if err := s.slots.Append(newConn(fd, token, addr, s.period, int(s.cfg.PacketSize))); err != nil {
			unix.Close(fd)
			return err
		}

		if token == 0 {
			s.round.Started = time.Now()
		}
		s.metrics.Accepted.Inc()
		s.metrics.Live.Inc()
		log.Printf("[%s] %d: connected to %s", s.cfg.LogPrefix, token, addr)
		if s.hooks.OnAccept != nil {
			s.hooks.OnAccept(token, addr)
		}
	}
}

func (s *Server) dispatch(ev upoll.Event) error {
	c, err := s.slots.Get(ev.Token)
	if err != nil {
		return err
	}
	if c == nil {
		// closed earlier in this batch
		return nil
	}

	if ev.WriteClosed {
		if c.ID() != ev.Token {
			return invariant(ev.Token, "write closed", ErrIDMismatch)
		}
		s.closeSlot(ev.Token, ReasonPeer)
		return nil
	}

	if ev.Writable {
		c.SetWritable()
	}
	return nil
}

func (s *Server) writeAll() error {
	s.nextDue = s.cfg.PollTimeout

	for i, c := range s.slots.slots {
		if c == nil {
			continue
		}

		now := s.now()
		res, err := c.Write(now)
		if err != nil {
			return err
		}

		switch res {
		case WriteDone:
			s.metrics.Packets.Inc()
			s.round.Packets++
			if s.cfg.LogDebug {
				log.Printf("[%s] %d: sent packet %d", s.cfg.LogPrefix, i, c.Packets())
			}
		case WriteBlocked:
			s.metrics.WouldBlock.Inc()
			s.round.WouldBlock++
		case WriteClosed:
			s.closeSlot(upoll.Token(i), ReasonWrite)
			continue
		}

		if c.Writable() {
			if d := c.NextDue(now); d < s.nextDue {
				s.nextDue = d
			}
		}
	}
	return nil
}

func (s *Server) closeSlot(token upoll.Token, reason CloseReason) {
	c := s.slots.Clear(token)
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Printf("[%s] %d: close failed: %v", s.cfg.LogPrefix, token, err)
	}

	s.metrics.Closed.WithLabelValues(reason.String()).Inc()
	s.metrics.Live.Dec()
	log.Printf("[%s] connection %d closed (%s) after %d packets", s.cfg.LogPrefix, token, reason, c.Packets())
	if s.hooks.OnClose != nil {
		s.hooks.OnClose(token, reason)
	}
}

func (s *Server) reset() error {
	log.Printf("[%s] all connections are closed, resetting", s.cfg.LogPrefix)

	round := s.round
	round.Ended = time.Now()
	round.Connections = uint32(s.slots.Next())
	if !round.Started.IsZero() {
		round.Duration = round.Ended.Sub(round.Started)
	}

	s.slots.Reset()
	if s.slots.Len() != 0 || s.slots.Next() != 0 {
		return invariant(upoll.ListenerToken, "reset", ErrInvalidReset)
	}

	s.metrics.Resets.Inc()
	s.rounds.Add(round)
	log.Printf(
		"[%s] round %d: %d connections, %d rejected, %d packets, %d blocked writes in %s",
		s.cfg.LogPrefix, round.Number, round.Connections, round.Rejected, round.Packets, round.WouldBlock, round.Duration,
	)
	if s.hooks.OnReset != nil {
		s.hooks.OnReset(&round)
	}

	s.round = Round{Number: round.Number + 1, Rate: s.cfg.Rate}
	s.metrics.Round.Set(float64(s.round.Number))
	s.nextDue = s.cfg.PollTimeout

	time.Sleep(s.cfg.ResetDelay)
	log.Printf("[%s] --------------- can accept new connections ---------------", s.cfg.LogPrefix)
	return nil
}
