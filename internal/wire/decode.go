package wire

import (
	"fmt"
	"time"

	"github.com/matgreaves/telemetryd/internal/errs"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Decode decodes a single raw wire frame into its canonical form given the
// session's string table (updating the table as [id, string] pairs are
// encountered). Returns errs.ErrMalformedFrame if the type code is unknown,
// a required field is missing, or an interned id is referenced before
// definition (spec.md §4.1).
func Decode(raw []byte, table *StringTable) (MessageType, any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errs.ErrMalformedFrame, err)
	}

	tRaw, ok := m["t"]
	if !ok {
		return 0, nil, fmt.Errorf("%w: missing t", errs.ErrMalformedFrame)
	}
	tInt, ok := asInt(tRaw)
	if !ok {
		return 0, nil, fmt.Errorf("%w: t not an int", errs.ErrMalformedFrame)
	}
	mt := MessageType(tInt)

	switch mt {
	case MsgRunStarted:
		v, err := decodeRunStarted(m)
		return mt, v, err
	case MsgTestCaseStarted:
		v, err := decodeTestCaseStarted(m)
		return mt, v, err
	case MsgLogBatch:
		v, err := decodeLogBatch(m, table)
		return mt, v, err
	case MsgException:
		v, err := decodeException(m, table)
		return mt, v, err
	case MsgTestCaseFinished:
		v, err := decodeTestCaseFinished(m)
		return mt, v, err
	case MsgRunFinished:
		v, err := decodeRunFinished(m)
		return mt, v, err
	case MsgBatch:
		v, err := decodeBatch(m, table)
		return mt, v, err
	case MsgHeartbeat:
		v, err := decodeHeartbeat(m)
		return mt, v, err
	default:
		return 0, nil, fmt.Errorf("%w: unknown type %d", errs.ErrMalformedFrame, tInt)
	}
}

func decodeRunStarted(m map[string]any) (*RunStarted, error) {
	out := &RunStarted{}
	if v, ok := m["run_id"]; ok {
		s, ok := asString(v)
		if !ok {
			return nil, fmt.Errorf("%w: run_id not a string", errs.ErrMalformedFrame)
		}
		out.RunID = s
	}
	if v, ok := m["run_name"]; ok {
		out.RunName, _ = asString(v)
	}
	if v, ok := m["retention_days"]; ok {
		n, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: retention_days not an int", errs.ErrMalformedFrame)
		}
		out.RetentionDays = int(n)
	}
	if v, ok := m["local_run"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: local_run not a bool", errs.ErrMalformedFrame)
		}
		out.LocalRun = b
	}
	if v, ok := m["user_metadata"]; ok {
		md, err := decodeMetadataMap(v)
		if err != nil {
			return nil, err
		}
		out.UserMetadata = md
	}
	if v, ok := m["group"]; ok {
		g, err := decodeGroup(v)
		if err != nil {
			return nil, err
		}
		out.Group = g
	}
	return out, nil
}

func decodeGroup(v any) (*GroupPayload, error) {
	gm, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: group not an object", errs.ErrMalformedFrame)
	}
	g := &GroupPayload{}
	if name, ok := gm["name"]; ok {
		g.Name, _ = asString(name)
	}
	if meta, ok := gm["metadata"]; ok {
		md, err := decodeMetadataMap(meta)
		if err != nil {
			return nil, err
		}
		g.Metadata = md
	}
	return g, nil
}

func decodeMetadataMap(v any) (map[string]model.MetadataValue, error) {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: metadata not an object", errs.ErrMalformedFrame)
	}
	out := make(map[string]model.MetadataValue, len(raw))
	for k, entry := range raw {
		switch e := entry.(type) {
		case map[string]any:
			mv := model.MetadataValue{}
			if val, ok := e["value"]; ok {
				mv.Value, _ = asString(val)
			}
			if url, ok := e["url"]; ok {
				mv.URL, _ = asString(url)
			}
			out[k] = mv
		case string:
			out[k] = model.MetadataValue{Value: e}
		default:
			return nil, fmt.Errorf("%w: metadata entry %q malformed", errs.ErrMalformedFrame, k)
		}
	}
	return out, nil
}

func decodeTestCaseStarted(m map[string]any) (*TestCaseStarted, error) {
	out := &TestCaseStarted{}
	var err error
	if out.RunID, err = requireString(m, "run_id"); err != nil {
		return nil, err
	}
	if out.TCFullName, err = requireString(m, "tc_full_name"); err != nil {
		return nil, err
	}
	if out.TCID, err = requireString(m, "tc_id"); err != nil {
		return nil, err
	}
	status, err := requireString(m, "status")
	if err != nil {
		return nil, err
	}
	out.Status = model.TestCaseStatus(status)
	ts, err := requireTimestamp(m, "ts")
	if err != nil {
		return nil, err
	}
	out.Ts = ts
	return out, nil
}

func decodeTestCaseFinished(m map[string]any) (*TestCaseFinished, error) {
	out := &TestCaseFinished{}
	var err error
	if out.RunID, err = requireString(m, "run_id"); err != nil {
		return nil, err
	}
	if out.TCID, err = requireString(m, "tc_id"); err != nil {
		return nil, err
	}
	status, err := requireString(m, "status")
	if err != nil {
		return nil, err
	}
	out.Status = model.TestCaseStatus(status)
	ts, err := requireTimestamp(m, "ts")
	if err != nil {
		return nil, err
	}
	out.Ts = ts
	return out, nil
}

func decodeRunFinished(m map[string]any) (*RunFinished, error) {
	out := &RunFinished{}
	var err error
	if out.RunID, err = requireString(m, "run_id"); err != nil {
		return nil, err
	}
	status, err := requireString(m, "status")
	if err != nil {
		return nil, err
	}
	out.Status = model.RunStatus(status)
	ts, err := requireTimestamp(m, "ts")
	if err != nil {
		return nil, err
	}
	out.Ts = ts
	return out, nil
}

func decodeHeartbeat(m map[string]any) (*Heartbeat, error) {
	runID, err := requireString(m, "run_id")
	if err != nil {
		return nil, err
	}
	return &Heartbeat{RunID: runID}, nil
}

// decodeLogBatch decodes a log_batch frame. Entries without a timestamp
// are dropped per spec.md §4.1/§4.5, not treated as a malformed frame.
func decodeLogBatch(m map[string]any, table *StringTable) (*LogBatch, error) {
	out := &LogBatch{}
	var err error
	if out.RunID, err = requireString(m, "run_id"); err != nil {
		return nil, err
	}
	if out.TCID, err = requireString(m, "tc_id"); err != nil {
		return nil, err
	}
	rawEntries, _ := m["entries"].([]any)
	for _, re := range rawEntries {
		em, ok := re.(map[string]any)
		if !ok {
			continue
		}
		entry, raw, ok, err := decodeLogEntry(em, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // dropped: missing ts
		}
		out.Entries = append(out.Entries, entry)
		out.Raw = append(out.Raw, raw)
	}
	return out, nil
}

// decodeLogEntry decodes one compact log entry. The bool return is false
// (with nil error) when the entry has no "ts" field and must be dropped.
func decodeLogEntry(em map[string]any, table *StringTable) (model.LogEntry, map[string]any, bool, error) {
	tsRaw, ok := em["ts"]
	if !ok {
		return model.LogEntry{}, nil, false, nil
	}
	ms, ok := asInt(tsRaw)
	if !ok {
		return model.LogEntry{}, nil, false, nil
	}
	entry := model.LogEntry{Timestamp: time.UnixMilli(ms).UTC()}
	if v, ok := em["m"]; ok {
		entry.Message, _ = asString(v)
	}
	if v, ok := em["c"]; ok {
		s, err := decodeInternedField(v, table)
		if err != nil {
			return model.LogEntry{}, nil, false, err
		}
		entry.Component = s
	}
	if v, ok := em["ch"]; ok {
		s, err := decodeInternedField(v, table)
		if err != nil {
			return model.LogEntry{}, nil, false, err
		}
		entry.Channel = s
	}
	if v, ok := em["d"]; ok {
		n, _ := asInt(v)
		switch n {
		case 1:
			entry.Dir = model.DirTx
		case 2:
			entry.Dir = model.DirRx
		}
	}
	if v, ok := em["p"]; ok {
		n, _ := asInt(v)
		if n == 1 {
			entry.Phase = model.PhaseTeardown
		}
	}
	return entry, em, true, nil
}

// decodeInternedField decodes a component/channel field: either a bare
// integer id (looked up in table) or a [id, string] first-occurrence pair
// (which also defines the id in table).
func decodeInternedField(v any, table *StringTable) (string, error) {
	switch val := v.(type) {
	case []any:
		if len(val) != 2 {
			return "", fmt.Errorf("%w: interned pair wrong length", errs.ErrMalformedFrame)
		}
		id, ok := asInt(val[0])
		if !ok {
			return "", fmt.Errorf("%w: interned id not an int", errs.ErrMalformedFrame)
		}
		s, ok := asString(val[1])
		if !ok {
			return "", fmt.Errorf("%w: interned value not a string", errs.ErrMalformedFrame)
		}
		table.Define(int(id), s)
		return s, nil
	default:
		id, ok := asInt(v)
		if !ok {
			return "", fmt.Errorf("%w: interned field malformed", errs.ErrMalformedFrame)
		}
		s, ok := table.Lookup(int(id))
		if !ok {
			return "", fmt.Errorf("%w: interned id %d referenced before definition", errs.ErrMalformedFrame, id)
		}
		return s, nil
	}
}

func decodeException(m map[string]any, table *StringTable) (*Exception, error) {
	out := &Exception{}
	var err error
	if out.RunID, err = requireString(m, "run_id"); err != nil {
		return nil, err
	}
	if out.TCID, err = requireString(m, "tc_id"); err != nil {
		return nil, err
	}
	ts, err := requireTimestamp(m, "ts")
	if err != nil {
		return nil, err
	}
	exc := model.Exception{Timestamp: ts}
	if v, ok := m["message"]; ok {
		exc.Message, _ = asString(v)
	}
	if v, ok := m["exception_type"]; ok {
		exc.ExceptionType, _ = asString(v)
	}
	if v, ok := m["is_error"]; ok {
		exc.IsError, _ = v.(bool)
	}
	if v, ok := m["stack_trace"]; ok {
		arr, _ := v.([]any)
		for _, line := range arr {
			s, _ := asString(line)
			exc.StackTrace = append(exc.StackTrace, s)
		}
	}
	out.Exc = exc
	out.Raw = m
	return out, nil
}

// decodeBatch decodes a batch frame: an ordered sequence of per-case
// events, each carrying its own event_type, inheriting the outer run_id
// (spec.md §4.5).
func decodeBatch(m map[string]any, table *StringTable) (*Batch, error) {
	out := &Batch{}
	var err error
	if out.RunID, err = requireString(m, "run_id"); err != nil {
		return nil, err
	}
	rawEvents, _ := m["events"].([]any)
	for _, re := range rawEvents {
		em, ok := re.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: batch event not an object", errs.ErrMalformedFrame)
		}
		if _, has := em["run_id"]; !has {
			em["run_id"] = out.RunID
		}
		etRaw, ok := em["event_type"]
		if !ok {
			return nil, fmt.Errorf("%w: batch event missing event_type", errs.ErrMalformedFrame)
		}
		etInt, ok := asInt(etRaw)
		if !ok {
			return nil, fmt.Errorf("%w: event_type not an int", errs.ErrMalformedFrame)
		}
		var ev any
		switch MessageType(etInt) {
		case MsgTestCaseStarted:
			ev, err = decodeTestCaseStarted(em)
		case MsgLogBatch:
			ev, err = decodeLogBatch(em, table)
		case MsgException:
			ev, err = decodeException(em, table)
		case MsgTestCaseFinished:
			ev, err = decodeTestCaseFinished(em)
		default:
			return nil, fmt.Errorf("%w: unexpected batch event_type %d", errs.ErrMalformedFrame, etInt)
		}
		if err != nil {
			return nil, err
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func requireString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", errs.ErrMalformedFrame, key)
	}
	s, ok := asString(v)
	if !ok {
		return "", fmt.Errorf("%w: %s not a string", errs.ErrMalformedFrame, key)
	}
	return s, nil
}

func requireTimestamp(m map[string]any, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing %s", errs.ErrMalformedFrame, key)
	}
	ms, ok := asInt(v)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s not an int", errs.ErrMalformedFrame, key)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
