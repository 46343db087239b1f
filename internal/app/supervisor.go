package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/core"
)

// Supervisor bounds idle resource usage: connections with no activity for
// IdleTimeout get a forced disconnect with reason "idle", optionally preceded
// by a warning. Reconnection is client-initiated; the supervisor never
// retries on the client's behalf. Entries in the connecting state (a
// reconnect in flight) get the same budget measured from bind, so an attempt
// in flight is left alone but a socket that upgrades and never joins is not
// exempt forever.
type Supervisor struct {
	Hub         *Hub
	IdleTimeout time.Duration
	WarningLead time.Duration // 0 disables the warning
	Interval    time.Duration

	// Now is swappable in tests; nil means time.Now.
	Now func() time.Time
}

func (s *Supervisor) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.supervisor").Dur("idle_timeout", s.IdleTimeout).Dur("interval", s.Interval).Msg("idle supervisor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.clock())
		}
	}
}

// SweepOnce examines every registered connection exactly once. The
// state CAS makes the idle transition fire once even if a sweep races
// transport teardown.
func (s *Supervisor) SweepOnce(now time.Time) (warned, disconnected int) {
	for _, e := range s.Hub.Registry.Snapshot() {
		idle := now.Sub(e.LastActive)
		switch e.State {
		case StateConnecting:
			if idle < s.IdleTimeout {
				continue
			}
			if !s.Hub.Registry.CompareAndSetState(e.Conn, StateConnecting, StateIdleDisconnected) {
				continue
			}
			log.Info().Str("module", "app.supervisor").Str("conn", string(e.Conn)).Str("user", string(e.User.ID)).Dur("idle", idle).Msg("idle disconnect before join")
			s.Hub.Disconnect(e.Conn, core.ReasonIdle)
			disconnected++
		case StateConnected:
			switch {
			case idle >= s.IdleTimeout:
				if !s.Hub.Registry.CompareAndSetState(e.Conn, StateConnected, StateIdleDisconnected) {
					continue
				}
				log.Info().Str("module", "app.supervisor").Str("conn", string(e.Conn)).Str("user", string(e.User.ID)).Dur("idle", idle).Msg("idle disconnect")
				s.Hub.Disconnect(e.Conn, core.ReasonIdle)
				disconnected++
			case s.WarningLead > 0 && idle >= s.IdleTimeout-s.WarningLead:
				if !s.Hub.Registry.MarkWarned(e.Conn) {
					continue
				}
				if sess, ok := s.Hub.Registry.Session(e.Conn); ok {
					remaining := s.IdleTimeout - idle
					if frame, err := core.Encode(core.TypeIdleWarning, e.Doc, core.IdleWarningPayload{DisconnectInMs: remaining.Milliseconds()}); err == nil {
						_ = sess.Signal().TrySend(frame)
					}
				}
				warned++
			}
		}
	}
	return warned, disconnected
}
