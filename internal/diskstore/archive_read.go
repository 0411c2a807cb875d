package diskstore

import (
	"fmt"

	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/wire"
)

// ReadFinishedCase decodes a finished test case's log and stack records
// from the merged archive, given the offsets recorded in the sidecar
// (spec.md §4.3, §8 testable property 5).
func (s *Store) ReadFinishedCase(runID string, offsets CaseOffsets, table *wire.StringTable) ([]model.LogEntry, []model.Exception, error) {
	raws, err := s.ReadArchiveRange(runID, offsets.LogOffset, offsets.LogCount+offsets.StackCount)
	if err != nil {
		return nil, nil, fmt.Errorf("diskstore: read finished case: %w", err)
	}

	logs := make([]model.LogEntry, 0, offsets.LogCount)
	for _, payload := range raws[:offsets.LogCount] {
		raw, err := wire.UnmarshalRecord(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("diskstore: unmarshal log record: %w", err)
		}
		entry, err := wire.DecodeLogEntryRecord(raw, table)
		if err != nil {
			return nil, nil, fmt.Errorf("diskstore: decode log record: %w", err)
		}
		logs = append(logs, entry)
	}

	excs := make([]model.Exception, 0, offsets.StackCount)
	for _, payload := range raws[offsets.LogCount:] {
		raw, err := wire.UnmarshalRecord(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("diskstore: unmarshal stack record: %w", err)
		}
		exc, err := wire.DecodeExceptionRecord(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("diskstore: decode stack record: %w", err)
		}
		excs = append(excs, exc)
	}

	return logs, excs, nil
}
