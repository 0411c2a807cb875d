package wire

import (
	"time"

	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/vmihailenco/msgpack/v5"
)

// MarshalRecord encodes a raw compact-form record (as captured off the
// wire) for append to a disk log store file. Persisting the raw map
// verbatim — rather than re-encoding the canonical form — is what lets
// unknown future short keys pass through unchanged (spec.md §9).
func MarshalRecord(raw map[string]any) ([]byte, error) {
	return msgpack.Marshal(raw)
}

// UnmarshalRecord decodes a single disk-store record back into its raw
// compact-form map, for subsequent DecodeLogEntryRecord /
// DecodeExceptionRecord calls.
func UnmarshalRecord(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeLogEntryRecord decodes a single previously-persisted compact log
// record (as written verbatim to the disk log store, spec.md §4.3) back
// into canonical form, using table to resolve any bare interned ids. A
// record that carries a first-occurrence [id, string] pair defines that
// id in table again, exactly as live decode does.
func DecodeLogEntryRecord(raw map[string]any, table *StringTable) (model.LogEntry, error) {
	entry, _, _, err := decodeLogEntry(raw, table)
	return entry, err
}

// DecodeExceptionRecord decodes a single previously-persisted compact
// exception record back into canonical form. Unlike live decode, the
// caller already knows run_id/tc_id from context, so those fields (if
// present in raw) are ignored here.
func DecodeExceptionRecord(raw map[string]any) (model.Exception, error) {
	exc := model.Exception{}
	if v, ok := raw["ts"]; ok {
		if ms, ok := asInt(v); ok {
			exc.Timestamp = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := raw["message"]; ok {
		exc.Message, _ = asString(v)
	}
	if v, ok := raw["exception_type"]; ok {
		exc.ExceptionType, _ = asString(v)
	}
	if v, ok := raw["is_error"]; ok {
		exc.IsError, _ = v.(bool)
	}
	if v, ok := raw["stack_trace"]; ok {
		arr, _ := v.([]any)
		for _, line := range arr {
			s, _ := asString(line)
			exc.StackTrace = append(exc.StackTrace, s)
		}
	}
	return exc, nil
}
