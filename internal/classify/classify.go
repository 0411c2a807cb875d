// Package classify computes flaky/fixed/regression/new labels for test
// cases from their recent per-group history. It is pure: no I/O, no
// index or run-state access, in the stdlib-only style of explain.go's
// data transforms.
package classify

import "github.com/matgreaves/telemetryd/internal/model"

// Outcome is a result projected to pass/fail for transition counting.
type Outcome bool

const (
	Fail Outcome = false
	Pass Outcome = true
)

// HistoryLimit is the maximum number of recent history entries the
// classifier considers.
const HistoryLimit = 10

// relevant reports whether a status counts toward pass/fail history;
// skipped, running, and aborted results are excluded.
func relevant(status model.TestCaseStatus) bool {
	switch status {
	case model.TCPassed, model.TCFailed, model.TCError:
		return true
	default:
		return false
	}
}

func outcomeOf(status model.TestCaseStatus) Outcome {
	return status == model.TCPassed
}

// Classify labels the current test case given up to HistoryLimit most
// recent relevant results for the same tc_full_name within the same
// group_hash, newest first, excluding the current run and any run that
// started after it. Callers are responsible for producing that slice
// (internal/index.TestCaseHistory with HistoryFilter.BeforeStart set).
func Classify(current model.TestCaseStatus, history []model.TestCaseStatus) model.Classification {
	if !relevant(current) {
		return model.ClassNone
	}

	if len(history) > HistoryLimit {
		history = history[:HistoryLimit]
	}

	relevantHistory := make([]model.TestCaseStatus, 0, len(history))
	for _, h := range history {
		if relevant(h) {
			relevantHistory = append(relevantHistory, h)
		}
	}

	s := make([]Outcome, 0, 1+len(relevantHistory))
	s = append(s, outcomeOf(current))
	for _, h := range relevantHistory {
		s = append(s, outcomeOf(h))
	}

	if transitions(s) > 4 {
		return model.ClassFlaky
	}
	if outcomeOf(current) == Pass && allFail(relevantHistory, 5) {
		return model.ClassFixed
	}
	if outcomeOf(current) == Fail && allPass(relevantHistory, 5) {
		return model.ClassRegression
	}
	return model.ClassNone
}

func transitions(s []Outcome) int {
	n := 0
	for i := 1; i < len(s); i++ {
		if s[i] != s[i-1] {
			n++
		}
	}
	return n
}

func allFail(history []model.TestCaseStatus, n int) bool {
	if len(history) < n {
		return false
	}
	for _, h := range history[:n] {
		if outcomeOf(h) != Fail {
			return false
		}
	}
	return true
}

func allPass(history []model.TestCaseStatus, n int) bool {
	if len(history) < n {
		return false
	}
	for _, h := range history[:n] {
		if outcomeOf(h) != Pass {
			return false
		}
	}
	return true
}

// IsNew reports whether a test case is new to its group: the run has a
// group_hash, the previous run in that group had test cases, and
// fullName was not among them.
func IsNew(groupHash string, previousRunHadCases bool, previousRunFullNames map[string]struct{}, fullName string) bool {
	if groupHash == "" || !previousRunHadCases {
		return false
	}
	_, ok := previousRunFullNames[fullName]
	return !ok
}
