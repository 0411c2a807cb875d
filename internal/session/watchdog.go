package session

import (
	"context"
	"time"
)

// Watch runs the per-session idle watchdog until ctx is cancelled or the
// session's run reaches a terminal state (spec.md §4.5 "Watchdog"). It is
// grounded on internal/server/watchdog.go's progressWatchdog: a ticker
// loop that checks for the absence of progress rather than reacting to
// any single event, generalized from "no lifecycle event in stallTimeout"
// to "no inbound frame in IdleTimeout".
func (s *Session) Watch(ctx context.Context) {
	ticker := time.NewTicker(WatchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.IsTerminal() {
			return
		}
		if s.RunID() == "" {
			continue
		}
		if s.deps.Clock().Sub(s.LastActivity()) > IdleTimeout {
			s.deps.Logger.Warn().Str("run_id", s.RunID()).Msg("ingest: idle timeout, aborting run")
			s.Abort("Connection timeout")
			return
		}
	}
}
