package wire

import (
	"time"

	"github.com/matgreaves/telemetryd/internal/model"
)

// MessageType is the wire-level "t" discriminator (spec.md §6).
type MessageType int

const (
	MsgRunStarted         MessageType = 1
	MsgRunStartedResponse MessageType = 2
	MsgTestCaseStarted    MessageType = 3
	MsgLogBatch           MessageType = 4
	MsgException          MessageType = 5
	MsgTestCaseFinished   MessageType = 6
	MsgRunFinished        MessageType = 7
	MsgBatch              MessageType = 8
	MsgHeartbeat          MessageType = 9
	MsgStringTable        MessageType = 10
)

// GroupPayload is the normalized group name plus its metadata, used to
// compute group_hash (spec.md §3, invariant 5).
type GroupPayload struct {
	Name     string
	Metadata map[string]model.MetadataValue
}

// WireError is the {code, message} shape carried in run_started_response's
// optional err field.
type WireError struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// RunStarted is the canonical form of message type 1.
type RunStarted struct {
	RunID         string
	RunName       string
	UserMetadata  map[string]model.MetadataValue
	RetentionDays int
	LocalRun      bool
	Group         *GroupPayload
}

// RunStartedResponse is the canonical form of message type 2, sent from
// ingest back to the runner.
type RunStartedResponse struct {
	RunID     string
	RunName   string
	RunURL    string
	GroupHash string
	GroupURL  string
	Err       *WireError
}

// TestCaseStarted is the canonical form of message type 3.
type TestCaseStarted struct {
	RunID      string
	TCFullName string
	TCID       string
	Status     model.TestCaseStatus
	Ts         time.Time
}

// LogBatch is the canonical form of message type 4. Raw carries the
// as-received compact-form entries so the session can persist them
// byte-for-byte without re-encoding (spec.md §4.1's pass-through rule).
type LogBatch struct {
	RunID   string
	TCID    string
	Entries []model.LogEntry
	Raw     []map[string]any
}

// Exception is the canonical form of message type 5.
type Exception struct {
	RunID string
	TCID  string
	Exc   model.Exception
	Raw   map[string]any
}

// TestCaseFinished is the canonical form of message type 6.
type TestCaseFinished struct {
	RunID  string
	TCID   string
	Status model.TestCaseStatus
	Ts     time.Time
}

// RunFinished is the canonical form of message type 7.
type RunFinished struct {
	RunID  string
	Status model.RunStatus
	Ts     time.Time
}

// Batch is the canonical form of message type 8: an ordered sequence of
// per-case events that all inherit RunID (spec.md §4.5).
type Batch struct {
	RunID  string
	Events []any // each element is one of *TestCaseStarted, *LogBatch, *Exception, *TestCaseFinished
}

// Heartbeat is the canonical form of message type 9.
type Heartbeat struct {
	RunID string
}

// StringTableFrame is the canonical form of message type 10, sent from
// server to viewer on connect (spec.md §4.6).
type StringTableFrame struct {
	Strings map[int]string
}
