package diskstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/wire"
)

// writeRecord appends a single length-prefixed record (4-byte big-endian
// length, then payload) to w (spec.md §4.3 "length-prefixed compact-form
// records").
func writeRecord(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecord reads one length-prefixed record from r. Returns io.EOF when
// no more records remain.
func readRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// AppendLogRecords appends raw compact-form log entries to a case's log
// file, one record per entry (spec.md §4.5 log_batch effect). A failure
// here is logged by the caller and does not abort the session (spec.md
// §7 "Persist error on append").
func (s *Store) AppendLogRecords(runID, tcID string, raws []map[string]any) error {
	f, err := os.OpenFile(s.logPath(runID, tcID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("diskstore: open log file: %w", err)
	}
	defer f.Close()

	for _, raw := range raws {
		payload, err := wire.MarshalRecord(raw)
		if err != nil {
			return fmt.Errorf("diskstore: marshal log record: %w", err)
		}
		if err := writeRecord(f, payload); err != nil {
			return fmt.Errorf("diskstore: append log record: %w", err)
		}
	}
	return nil
}

// AppendStackRecord appends one raw exception record to a case's stack
// file (spec.md §4.5 exception effect).
func (s *Store) AppendStackRecord(runID, tcID string, raw map[string]any) error {
	f, err := os.OpenFile(s.stackPath(runID, tcID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("diskstore: open stack file: %w", err)
	}
	defer f.Close()

	payload, err := wire.MarshalRecord(raw)
	if err != nil {
		return fmt.Errorf("diskstore: marshal stack record: %w", err)
	}
	if err := writeRecord(f, payload); err != nil {
		return fmt.Errorf("diskstore: append stack record: %w", err)
	}
	return nil
}

// ReadCaseLive reads the full current contents of a still-running case's
// log and stack files, decoded to canonical form via table. This backs
// the live-log viewer's initial replay batch (spec.md §4.6) and the
// "reload the stack list from disk" step after each exception
// (spec.md §4.5).
func (s *Store) ReadCaseLive(runID, tcID string, table *wire.StringTable) ([]model.LogEntry, []model.Exception, error) {
	logs, err := s.readLogFile(s.logPath(runID, tcID), table)
	if err != nil {
		return nil, nil, err
	}
	stacks, err := s.readStackFile(s.stackPath(runID, tcID))
	if err != nil {
		return nil, nil, err
	}
	return logs, stacks, nil
}

func (s *Store) readLogFile(path string, table *wire.StringTable) ([]model.LogEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("diskstore: open log file: %w", err)
	}
	defer f.Close()

	var out []model.LogEntry
	r := bufio.NewReader(f)
	for {
		payload, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diskstore: read log record: %w", err)
		}
		raw, err := wire.UnmarshalRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("diskstore: unmarshal log record: %w", err)
		}
		entry, err := wire.DecodeLogEntryRecord(raw, table)
		if err != nil {
			return nil, fmt.Errorf("diskstore: decode log record: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) readStackFile(path string) ([]model.Exception, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("diskstore: open stack file: %w", err)
	}
	defer f.Close()

	var out []model.Exception
	r := bufio.NewReader(f)
	for {
		payload, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("diskstore: read stack record: %w", err)
		}
		raw, err := wire.UnmarshalRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("diskstore: unmarshal stack record: %w", err)
		}
		exc, err := wire.DecodeExceptionRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("diskstore: decode stack record: %w", err)
		}
		out = append(out, exc)
	}
	return out, nil
}
