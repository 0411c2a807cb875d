package session

import (
	"github.com/matgreaves/telemetryd/internal/diskstore"
	"github.com/matgreaves/telemetryd/internal/errs"
	"github.com/matgreaves/telemetryd/internal/fanout"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/wire"
)

// handleRunStarted applies message type 1 (spec.md §4.5). It is the only
// handler that replies in-band on failure: the session stays open so the
// runner can retry with a corrected run_id.
func (s *Session) handleRunStarted(v *wire.RunStarted) {
	if s.runID != "" {
		s.deps.Logger.Warn().Str("run_id", s.runID).Msg("ingest: duplicate run_started on session, ignored")
		return
	}

	now := s.deps.Clock()
	runID := v.RunID
	if runID != "" {
		if err := ValidateRunID(runID); err != nil {
			s.replyRunStartedError(err)
			return
		}
		exists, err := s.deps.Index.RunIDExists(runID)
		if err != nil {
			s.deps.Logger.Error().Err(err).Msg("ingest: check run_id exists")
		}
		if exists || s.deps.Runs.Has(runID) {
			s.replyRunStartedError(errs.ErrRunIDDuplicate)
			return
		}
	} else {
		runID = s.deps.GenRunID()
	}

	groupHash := ComputeGroupHash(v.Group)
	var groupName string
	var groupMetadata map[string]model.MetadataValue
	if norm := normalizeGroup(v.Group); norm != nil {
		groupName = norm.Name
		groupMetadata = norm.Metadata
	}

	runName := v.RunName
	if runName == "" {
		runName = "Run " + now.Format("2006-01-02 15:04:05")
	}
	if uniquified, err := s.uniquifyRunName(runName, groupHash); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: uniquify run name")
	} else {
		runName = uniquified
	}

	run := model.Run{
		RunID:         runID,
		RunName:       runName,
		Status:        model.RunRunning,
		StartTime:     now,
		RetentionDays: v.RetentionDays,
		LocalRun:      v.LocalRun,
		UserMetadata:  v.UserMetadata,
		Group:         groupName,
		GroupMetadata: groupMetadata,
		GroupHash:     groupHash,
	}

	stateRun, ok := s.deps.Runs.Create(run)
	if !ok {
		s.replyRunStartedError(errs.ErrRunIDDuplicate)
		return
	}

	if err := s.deps.Disk.CreateRunDir(runID); err != nil {
		s.deps.Logger.Error().Err(err).Str("run_id", runID).Msg("ingest: create run dir")
	}
	if err := s.deps.Disk.WriteSidecar(runID, diskstore.Sidecar{Run: run, TestCases: map[string]model.TestCase{}}); err != nil {
		s.deps.Logger.Error().Err(err).Str("run_id", runID).Msg("ingest: write sidecar")
	}
	if err := s.deps.Index.InsertRun(run); err != nil {
		s.deps.Logger.Error().Err(err).Str("run_id", runID).Msg("ingest: insert run")
	}

	s.runID = runID
	s.stateRun = stateRun
	s.table = stateRun.StringTable

	if err := s.deps.UI.Broadcast(fanout.UIMessage{Type: "run_started", RunID: runID, Payload: run}); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: broadcast run_started")
	}

	resp := &wire.RunStartedResponse{
		RunID:   runID,
		RunName: runName,
		RunURL:  "/testRun/" + runID + "/index.html",
	}
	if groupHash != "" {
		resp.GroupHash = groupHash
		resp.GroupURL = "/groups/" + groupHash
	}
	s.sendResponse(resp)
}

func (s *Session) replyRunStartedError(err error) {
	s.deps.Logger.Warn().Err(err).Msg("ingest: run_started rejected")
	s.sendResponse(&wire.RunStartedResponse{
		Err: &wire.WireError{Code: errCode(err), Message: err.Error()},
	})
}

func errCode(err error) string {
	switch err {
	case errs.ErrRunIDDuplicate:
		return "run_id_duplicate"
	case errs.ErrRunIDInvalid:
		return "run_id_invalid"
	default:
		return "invalid"
	}
}

// handleTestCaseStarted applies message type 3 (spec.md §4.5).
func (s *Session) handleTestCaseStarted(v *wire.TestCaseStarted) {
	if !s.activeRun(v.RunID) {
		return
	}
	if err := ValidateTCID(v.TCID); err != nil {
		s.deps.Logger.Warn().Err(err).Str("tc_id", v.TCID).Msg("ingest: test_case_started dropped")
		return
	}

	tc := model.TestCase{
		TCID:      v.TCID,
		FullName:  NormalizeTCFullName(v.TCFullName),
		Status:    model.TCRunning,
		StartTime: v.Ts,
	}
	entry, ok := s.stateRun.AddTestCase(tc)
	if !ok {
		s.deps.Logger.Warn().Str("tc_id", v.TCID).Msg("ingest: duplicate test case, dropped")
		return
	}

	if err := s.deps.Disk.EnsureCaseLogFile(v.RunID, v.TCID); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: ensure case log file")
	}
	s.rewriteSidecar()
	if err := s.deps.Index.InsertTestCase(v.RunID, tc); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: insert test case")
	}
	s.broadcastTestCase("test_case_started", v.TCID, entry.Snapshot())
}

// handleLogBatch applies message type 4 (spec.md §4.5): append then fan
// out, in that order, so a viewer never sees an entry the archive doesn't
// have yet.
func (s *Session) handleLogBatch(v *wire.LogBatch) {
	if !s.activeRun(v.RunID) {
		return
	}
	tc, ok := s.stateRun.TestCaseByID(v.TCID)
	if !ok {
		s.deps.Logger.Warn().Err(errs.ErrUnknownTestCase).Str("tc_id", v.TCID).Msg("ingest: log_batch for unknown case")
		return
	}
	if len(v.Raw) == 0 {
		return
	}
	if err := s.deps.Disk.AppendLogRecords(v.RunID, v.TCID, v.Raw); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: append log records")
	}
	for _, entry := range v.Entries {
		tc.Publish(fanout.UIMessage{Type: "log", RunID: v.RunID, TCID: v.TCID, Payload: entry})
	}
}

// handleException applies message type 5 (spec.md §4.5): persist, then
// re-read the case's files from disk (a read failure is logged). The
// re-read result is not used for the broadcast: subscribers receive the
// exception as decoded from the frame.
func (s *Session) handleException(v *wire.Exception) {
	if !s.activeRun(v.RunID) {
		return
	}
	tc, ok := s.stateRun.TestCaseByID(v.TCID)
	if !ok {
		s.deps.Logger.Warn().Err(errs.ErrUnknownTestCase).Str("tc_id", v.TCID).Msg("ingest: exception for unknown case")
		return
	}
	if err := s.deps.Disk.AppendStackRecord(v.RunID, v.TCID, v.Raw); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: append stack record")
	}
	if _, _, err := s.deps.Disk.ReadCaseLive(v.RunID, v.TCID, s.table); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: reload stack after exception")
	}
	tc.Publish(fanout.UIMessage{Type: "exception", RunID: v.RunID, TCID: v.TCID, Payload: v.Exc})
	s.rewriteSidecar()
}

// handleTestCaseFinished applies message type 6 (spec.md §4.5).
func (s *Session) handleTestCaseFinished(v *wire.TestCaseFinished) {
	if !s.activeRun(v.RunID) {
		return
	}
	if err := ValidateTestCaseStatus(v.Status); err != nil {
		s.deps.Logger.Warn().Err(err).Str("tc_id", v.TCID).Msg("ingest: test_case_finished dropped")
		return
	}
	tc, ok := s.stateRun.TestCaseByID(v.TCID)
	if !ok {
		s.deps.Logger.Warn().Err(errs.ErrUnknownTestCase).Str("tc_id", v.TCID).Msg("ingest: finish for unknown case")
		return
	}

	updated := tc.UpdateTestCase(func(t *model.TestCase) {
		t.Status = v.Status
		t.EndTime = v.Ts
	})
	s.rewriteSidecar()
	if err := s.deps.Index.UpdateTestCaseStatus(v.RunID, updated.FullName, updated.Status, updated.EndTime); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: update test case status")
	}
	s.broadcastTestCase("test_case_finished", v.TCID, updated)
}

// handleRunFinished applies message type 7 (spec.md §4.5).
func (s *Session) handleRunFinished(v *wire.RunFinished) {
	if !s.activeRun(v.RunID) {
		return
	}
	status := v.Status
	if status == "" {
		status = model.RunFinished
	}
	s.finishRun(status, "")
}

// handleBatch applies message type 8: each inner event in order, all
// bound to the outer run_id (wire.decodeBatch already stamped RunID onto
// every element).
func (s *Session) handleBatch(v *wire.Batch) {
	for _, ev := range v.Events {
		switch e := ev.(type) {
		case *wire.TestCaseStarted:
			s.handleTestCaseStarted(e)
		case *wire.LogBatch:
			s.handleLogBatch(e)
		case *wire.Exception:
			s.handleException(e)
		case *wire.TestCaseFinished:
			s.handleTestCaseFinished(e)
		default:
			s.deps.Logger.Warn().Msg("ingest: unsupported event inside batch, skipped")
		}
	}
}

// finishRun transitions the owned run to a terminal state: aborts every
// still-running case, merges the per-case files into the archive, and
// updates the index before broadcasting and dropping the run from
// run-state (spec.md §4.5 run_finished effect, §4.5 abort semantics).
// Used by handleRunFinished, the watchdog's idle abort, and clean
// connection close. Idempotent: a second call on an already-terminal
// session is a no-op.
func (s *Session) finishRun(status model.RunStatus, abortReason string) {
	if s.terminal || s.stateRun == nil {
		return
	}
	s.terminal = true

	now := s.deps.Clock()
	ordered := s.stateRun.TestCasesInOrder()
	tcIDs := make([]string, 0, len(ordered))
	for _, tc := range ordered {
		snap := tc.Snapshot()
		tcIDs = append(tcIDs, snap.TCID)
		if snap.Status == model.TCRunning {
			updated := tc.UpdateTestCase(func(t *model.TestCase) {
				t.Status = model.TCAborted
				t.EndTime = now
			})
			if err := s.deps.Index.UpdateTestCaseStatus(s.runID, updated.FullName, updated.Status, updated.EndTime); err != nil {
				s.deps.Logger.Error().Err(err).Msg("ingest: abort test case status")
			}
			s.broadcastTestCase("test_case_finished", updated.TCID, updated)
		}
	}

	run := s.stateRun.RunRecord()
	run.Status = status
	run.EndTime = now
	if abortReason != "" {
		run.AbortReason = abortReason
	}
	s.stateRun.SetRunRecord(run)

	offsets, err := s.deps.Disk.Merge(s.runID, tcIDs)
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("run_id", s.runID).Msg("ingest: merge run archive")
	} else {
		cases := make(map[string]model.TestCase, len(ordered))
		for _, tc := range ordered {
			c := tc.Snapshot()
			if off, ok := offsets[c.TCID]; ok {
				c.LogOffset = off.LogOffset
				c.LogCount = off.LogCount
				c.StackCount = off.StackCount
			}
			cases[c.TCID] = c
		}
		if err := s.deps.Disk.WriteSidecar(s.runID, diskstore.Sidecar{Run: run, TestCases: cases}); err != nil {
			s.deps.Logger.Error().Err(err).Msg("ingest: write final sidecar")
		}
		if err := s.deps.Disk.DeleteCaseFiles(s.runID); err != nil {
			s.deps.Logger.Error().Err(err).Msg("ingest: delete per-case files after merge")
		}
	}

	if err := s.deps.Index.UpdateRunTerminal(s.runID, status, now, abortReason); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: update run terminal")
	}

	if err := s.deps.UI.Broadcast(fanout.UIMessage{
		Type:    "run_finished",
		RunID:   s.runID,
		Counts:  s.stateRun.Counts().ForBroadcast(),
		Payload: run,
	}); err != nil {
		s.deps.Logger.Error().Err(err).Msg("ingest: broadcast run_finished")
	}

	s.deps.Runs.Drop(s.runID)
}

// Abort transitions the session's run to aborted for an external reason
// (watchdog idle timeout, transport close while still running). A no-op
// if run_started never completed or the run is already terminal.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishRun(model.RunAborted, reason)
}

// CloseClean handles a transport-initiated close that was not preceded
// by run_finished. If any test case is still running, the run is
// aborted exactly as the idle watchdog would; otherwise every case
// already reached a terminal status and the run is promoted to
// finished, matching the distinction the runner's own clean-close path
// draws (spec.md §4.5).
func (s *Session) CloseClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateRun == nil || s.terminal {
		return
	}
	for _, tc := range s.stateRun.TestCasesInOrder() {
		if tc.Snapshot().Status == model.TCRunning {
			s.finishRun(model.RunAborted, "connection closed")
			return
		}
	}
	s.finishRun(model.RunFinished, "")
}
