// Package model holds the canonical (decoded, human-readable) shapes
// shared by every layer above the wire codec: run-state, the disk store,
// the relational index, and the query surface all exchange these types
// rather than wire or SQL-row shapes directly.
package model

import "time"

// RunStatus is the lifecycle state of a Run (spec.md §3, invariant 3).
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunAborted  RunStatus = "aborted"
)

// TestCaseStatus is the lifecycle state of a TestCase (spec.md §3).
type TestCaseStatus string

const (
	TCRunning TestCaseStatus = "running"
	TCPassed  TestCaseStatus = "passed"
	TCFailed  TestCaseStatus = "failed"
	TCSkipped TestCaseStatus = "skipped"
	TCAborted TestCaseStatus = "aborted"
	TCError   TestCaseStatus = "error"
)

// IsTerminal reports whether s is one of the five terminal statuses a
// test case must reach by the time its run becomes terminal (spec.md §8,
// invariant 2).
func (s TestCaseStatus) IsTerminal() bool {
	switch s {
	case TCPassed, TCFailed, TCSkipped, TCAborted, TCError:
		return true
	default:
		return false
	}
}

// Direction is the tx/rx tag on a log entry.
type Direction string

const (
	DirTx Direction = "tx"
	DirRx Direction = "rx"
)

// Phase is the optional phase tag on a log entry ("teardown" only, today).
type Phase string

const (
	PhaseTeardown Phase = "teardown"
)

// MetadataValue is a single user- or group-metadata value (spec.md §3).
type MetadataValue struct {
	Value string `json:"value"`
	URL   string `json:"url,omitempty"`
}

// LogEntry is a single decoded (canonical-form) log line (spec.md §3).
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Dir       Direction `json:"dir,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
}

// Exception is a decoded exception/stack-trace record (spec.md §3).
type Exception struct {
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	ExceptionType string    `json:"exception_type"`
	StackTrace    []string  `json:"stack_trace"`
	IsError       bool      `json:"is_error"`
}

// TestCase is one test execution within a Run (spec.md §3).
type TestCase struct {
	TCID      string         `json:"tc_id"`
	FullName  string         `json:"tc_full_name"`
	Status    TestCaseStatus `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`

	// Populated only after the owning run has been merged (spec.md §4.3).
	LogOffset  int64 `json:"log_offset,omitempty"`
	LogCount   int   `json:"log_count,omitempty"`
	StackCount int   `json:"stack_count,omitempty"`
}

// StatusCounts is the {running, passed, failed, skipped, aborted, error}
// count bucket attached to run listings; broadcasts use ForBroadcast.
type StatusCounts struct {
	Running int `json:"running"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Aborted int `json:"aborted"`
	Error   int `json:"error"`
}

// Add increments the bucket matching status.
func (c *StatusCounts) Add(status TestCaseStatus) {
	switch status {
	case TCRunning:
		c.Running++
	case TCPassed:
		c.Passed++
	case TCFailed:
		c.Failed++
	case TCSkipped:
		c.Skipped++
	case TCAborted:
		c.Aborted++
	case TCError:
		c.Error++
	}
}

// BroadcastCounts folds Error into Failed, matching the live fan-out
// policy decided in DESIGN.md's open-question log (index aggregations
// keep the two separate; broadcasts do not).
type BroadcastCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Aborted int `json:"aborted"`
}

// ForBroadcast projects c into the four-bucket shape UI broadcasts use.
func (c StatusCounts) ForBroadcast() BroadcastCounts {
	return BroadcastCounts{
		Passed:  c.Passed,
		Failed:  c.Failed + c.Error,
		Skipped: c.Skipped,
		Aborted: c.Aborted,
	}
}

// Run is a single execution batch (spec.md §3).
type Run struct {
	RunID         string                   `json:"run_id"`
	RunName       string                   `json:"run_name"`
	Status        RunStatus                `json:"status"`
	StartTime     time.Time                `json:"start_time"`
	EndTime       time.Time                `json:"end_time,omitempty"`
	RetentionDays int                      `json:"retention_days,omitempty"`
	LocalRun      bool                     `json:"local_run,omitempty"`
	UserMetadata  map[string]MetadataValue `json:"user_metadata,omitempty"`
	Group         string                   `json:"group,omitempty"`
	GroupMetadata map[string]MetadataValue `json:"group_metadata,omitempty"`
	GroupHash     string                   `json:"group_hash,omitempty"`
	AbortReason   string                   `json:"abort_reason,omitempty"`
	DeletesAt     *time.Time               `json:"deletes_at,omitempty"`
}

// Classification is the label computed by internal/classify.
type Classification string

const (
	ClassFlaky      Classification = "flaky"
	ClassFixed      Classification = "fixed"
	ClassRegression Classification = "regression"
	ClassNone       Classification = ""
)
