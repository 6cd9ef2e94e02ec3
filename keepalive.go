package wsmux

import (
	"sync/atomic"
	"time"
)

// supervisor is the liveness supervisor (C5): periodic ping, pong-idle
// watchdog. Modeled on smux.Session.keepalive's select loop, collapsed to
// a single ticker that both pings and checks idleness, and
// generalized from smux's boolean dataReady flag to an explicit lastPong
// timestamp because spec §4.5 phrases the threshold as an idle-duration
// comparison (idle = now - last_pong) rather than "did any traffic arrive
// since the last tick".
type supervisor struct {
	keepAlive      time.Duration
	aliveThreshold time.Duration

	lastPong atomic.Int64 // unix nanos

	ping func() error
	die  func(err error)
	dead chan struct{}
}

func newSupervisor(cfg *Config, ping func() error, die func(err error)) *supervisor {
	s := &supervisor{
		keepAlive:      cfg.KeepAlive,
		aliveThreshold: cfg.AliveThreshold,
		ping:           ping,
		die:            die,
		dead:           make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())
	return s
}

// onPong is installed as the carrier's pong handler.
func (s *supervisor) onPong() {
	s.lastPong.Store(time.Now().UnixNano())
}

// stop halts the supervisor's background ticking. Safe to call once.
func (s *supervisor) stop() {
	select {
	case <-s.dead:
	default:
		close(s.dead)
	}
}

func (s *supervisor) run() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.dead:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				// A failed ping is itself evidence of a dead carrier;
				// the readerLoop's own read error will handle
				// SocketClosedUnexpectedly, so this tick just skips.
				continue
			}
			last := time.Unix(0, s.lastPong.Load())
			idle := time.Since(last)
			if idle >= s.aliveThreshold {
				s.die(newError(KindPingTimeout, idle.String()))
				return
			}
		}
	}
}
