// Package session implements the ingest session state machine (spec.md
// §4.5): one instance per runner connection, sole mutator of the one Run
// it owns from run_started to terminal. It is grounded on
// internal/server/server.go's per-connection handler (one goroutine, sole
// mutator of its environment) and internal/server/watchdog.go's
// ticker-driven stall detection, generalized from environment lifecycle
// to test-run lifecycle.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/errs"
	"github.com/matgreaves/telemetryd/internal/fanout"
	"github.com/matgreaves/telemetryd/internal/index"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/runstate"
	"github.com/matgreaves/telemetryd/internal/wire"
	"github.com/rs/zerolog"
)

// IdleTimeout is the inbound-message idle window after which the watchdog
// aborts a running run (spec.md §4.5).
const IdleTimeout = 30 * time.Second

// WatchdogTick is the watchdog's polling interval (spec.md §4.5).
const WatchdogTick = 5 * time.Second

// Sender pushes an encoded frame back to the runner connection. Session
// is transport-agnostic; internal/httpapi supplies this over the
// websocket.
type Sender func(data []byte) error

// Deps bundles the collaborators a session applies each event to, in the
// order spec.md §2's data-flow paragraph specifies: run-state, disk log
// store, relational index, fan-out.
type Deps struct {
	Runs   *runstate.Store
	Disk   *diskstore.Store
	Index  *index.Index
	UI     *fanout.UIBroadcaster
	Logger zerolog.Logger

	// Clock and GenRunID are overridden in tests for determinism; New
	// defaults them to time.Now and genRunID12Hex when left nil.
	Clock    func() time.Time
	GenRunID func() string
}

// genRunID12Hex returns 12 random hex characters (spec.md §4.5 "generated
// ids are 12 hex chars", grounded on tr_server.py's
// uuid.uuid4().hex[:12]).
func genRunID12Hex() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:12]
}

// Session is one runner connection's state machine (spec.md §4.5).
type Session struct {
	deps Deps
	send Sender

	mu           sync.Mutex
	runID        string
	stateRun     *runstate.Run
	table        *wire.StringTable
	lastActivity time.Time
	terminal     bool
}

func New(deps Deps, send Sender) *Session {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.GenRunID == nil {
		deps.GenRunID = genRunID12Hex
	}
	return &Session{
		deps:         deps,
		send:         send,
		table:        wire.NewStringTable(),
		lastActivity: deps.Clock(),
	}
}

// HandleFrame decodes and dispatches one inbound frame. It never returns
// an error to the caller: malformed frames and handler failures are
// logged and the session stays open (spec.md §7 "Nothing in the ingest
// path is allowed to crash the process").
func (s *Session) HandleFrame(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.deps.Logger.Error().Interface("panic", r).Str("run_id", s.runID).Msg("ingest: recovered panic")
		}
	}()

	mt, v, err := wire.Decode(raw, s.table)
	if err != nil {
		s.deps.Logger.Warn().Err(err).Msg("ingest: malformed frame, dropped")
		return
	}
	s.lastActivity = s.deps.Clock()

	switch mt {
	case wire.MsgRunStarted:
		s.handleRunStarted(v.(*wire.RunStarted))
	case wire.MsgTestCaseStarted:
		s.handleTestCaseStarted(v.(*wire.TestCaseStarted))
	case wire.MsgLogBatch:
		s.handleLogBatch(v.(*wire.LogBatch))
	case wire.MsgException:
		s.handleException(v.(*wire.Exception))
	case wire.MsgTestCaseFinished:
		s.handleTestCaseFinished(v.(*wire.TestCaseFinished))
	case wire.MsgRunFinished:
		s.handleRunFinished(v.(*wire.RunFinished))
	case wire.MsgBatch:
		s.handleBatch(v.(*wire.Batch))
	case wire.MsgHeartbeat:
		// no state change; lastActivity already refreshed above.
	}
}

// activeRun reports whether runID names the one Run this session owns and
// that Run is still active.
func (s *Session) activeRun(runID string) bool {
	if s.terminal || s.stateRun == nil || s.runID != runID {
		s.deps.Logger.Warn().Str("run_id", runID).Err(errs.ErrUnknownRun).Msg("ingest: event for unknown run")
		return false
	}
	return true
}

func (s *Session) sendResponse(resp *wire.RunStartedResponse) {
	data, err := wire.EncodeRunStartedResponse(resp)
	if err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: encode run_started_response")
		return
	}
	if err := s.send(data); err != nil {
		s.deps.Logger.Warn().Err(err).Msg("ingest: send run_started_response")
	}
}

func (s *Session) rewriteSidecar() {
	run := s.stateRun.RunRecord()
	cases := make(map[string]model.TestCase)
	for _, tc := range s.stateRun.TestCasesInOrder() {
		c := tc.Snapshot()
		cases[c.TCID] = c
	}
	if err := s.deps.Disk.WriteSidecar(s.runID, diskstore.Sidecar{Run: run, TestCases: cases}); err != nil {
		s.deps.Logger.Error().Err(err).Str("run_id", s.runID).Msg("ingest: rewrite sidecar")
	}
}

func (s *Session) broadcastTestCase(eventType, tcID string, tc model.TestCase) {
	counts := s.stateRun.Counts().ForBroadcast()
	if err := s.deps.UI.Broadcast(fanout.UIMessage{
		Type:   eventType,
		RunID:  s.runID,
		TCID:   tcID,
		TCMeta: tc,
		Counts: counts,
	}); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: broadcast ui")
	}
}

// RunID returns the run this session owns, or "" before run_started.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// LastActivity returns the time of the last inbound message, for the
// watchdog's idle check.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IsTerminal reports whether this session's run has already reached a
// terminal state.
func (s *Session) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}
