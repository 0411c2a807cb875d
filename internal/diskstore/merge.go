package diskstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// CaseOffsets is the per-case position recorded in the sidecar after
// merge (spec.md §4.3).
type CaseOffsets struct {
	LogOffset  int64
	LogCount   int
	StackCount int
}

// Merge concatenates, for each tc_id in tcIDs (the caller's chosen
// iteration order over the run's test cases — spec.md §4.3), that case's
// log records followed by its stack records into a single archive file,
// recording each case's starting byte offset and record counts.
//
// Per DESIGN.md's Open Question 1 resolution, this streams record bytes
// directly from the per-case files into the archive without holding a
// case's decoded records in memory; only one record's bytes are buffered
// at a time.
func (s *Store) Merge(runID string, tcIDs []string) (map[string]CaseOffsets, error) {
	archive, err := os.OpenFile(s.archivePath(runID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskstore: create archive: %w", err)
	}
	defer archive.Close()

	w := bufio.NewWriter(archive)
	offsets := make(map[string]CaseOffsets, len(tcIDs))
	var pos int64

	for _, tcID := range tcIDs {
		start := pos
		logCount, n, err := copyRecords(w, s.logPath(runID, tcID))
		if err != nil {
			return nil, fmt.Errorf("diskstore: merge log for %s: %w", tcID, err)
		}
		pos += n
		stackCount, n, err := copyRecords(w, s.stackPath(runID, tcID))
		if err != nil {
			return nil, fmt.Errorf("diskstore: merge stack for %s: %w", tcID, err)
		}
		pos += n

		offsets[tcID] = CaseOffsets{LogOffset: start, LogCount: logCount, StackCount: stackCount}
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("diskstore: flush archive: %w", err)
	}
	return offsets, nil
}

// copyRecords streams every length-prefixed record from the file at path
// into w unchanged, returning the record count and total bytes copied
// (including framing). A missing source file contributes zero records.
func copyRecords(w io.Writer, path string) (count int, bytesCopied int64, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return count, bytesCopied, err
		}
		if _, err := w.Write(lenBuf[:]); err != nil {
			return count, bytesCopied, err
		}
		bytesCopied += int64(len(lenBuf))

		n := binary.BigEndian.Uint32(lenBuf[:])
		written, err := io.CopyN(w, r, int64(n))
		bytesCopied += written
		if err != nil {
			return count, bytesCopied, err
		}
		count++
	}
	return count, bytesCopied, nil
}

// DeleteCaseFiles removes the cases/ subdirectory (per-case log and
// stack files) after a successful merge, preserving the run's attachment
// subdirectory (spec.md invariant 7).
func (s *Store) DeleteCaseFiles(runID string) error {
	if err := os.RemoveAll(s.casesDir(runID)); err != nil {
		return fmt.Errorf("diskstore: delete case files: %w", err)
	}
	return nil
}

// ReadArchiveRange reads exactly count records starting at byte offset
// in runID's merged archive (spec.md §4.3 "reading a finished case seeks
// to its offset and reads exactly log_count + stack_count records").
func (s *Store) ReadArchiveRange(runID string, offset int64, count int) ([][]byte, error) {
	f, err := os.Open(s.archivePath(runID))
	if err != nil {
		return nil, fmt.Errorf("diskstore: open archive: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("diskstore: seek archive: %w", err)
	}

	r := bufio.NewReader(f)
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		payload, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("diskstore: read archive record %d: %w", i, err)
		}
		out = append(out, payload)
	}
	return out, nil
}
