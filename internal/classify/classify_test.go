package classify

import (
	"testing"

	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/stretchr/testify/assert"
)

func statuses(labels ...string) []model.TestCaseStatus {
	out := make([]model.TestCaseStatus, len(labels))
	for i, l := range labels {
		switch l {
		case "pass":
			out[i] = model.TCPassed
		case "fail":
			out[i] = model.TCFailed
		default:
			out[i] = model.TestCaseStatus(l)
		}
	}
	return out
}

func TestClassifyFlaky(t *testing.T) {
	history := statuses("fail", "pass", "fail", "pass", "fail", "pass")
	got := Classify(model.TCFailed, history)
	assert.Equal(t, model.ClassFlaky, got)
}

func TestClassifyFixed(t *testing.T) {
	history := statuses("fail", "fail", "fail", "fail", "fail")
	got := Classify(model.TCPassed, history)
	assert.Equal(t, model.ClassFixed, got)
}

func TestClassifyRegression(t *testing.T) {
	history := statuses("pass", "pass", "pass", "pass", "pass")
	got := Classify(model.TCFailed, history)
	assert.Equal(t, model.ClassRegression, got)
}

func TestClassifyNoneShortHistory(t *testing.T) {
	history := statuses("pass", "pass")
	got := Classify(model.TCFailed, history)
	assert.Equal(t, model.ClassNone, got)
}

func TestClassifySkippedCurrentIsNeverLabeled(t *testing.T) {
	got := Classify(model.TCSkipped, statuses("fail", "fail", "fail", "fail", "fail"))
	assert.Equal(t, model.ClassNone, got)
}

func TestClassifyIgnoresIrrelevantHistory(t *testing.T) {
	history := statuses("pass", "skipped", "pass", "running", "pass", "aborted", "pass", "pass")
	got := Classify(model.TCFailed, history)
	assert.Equal(t, model.ClassRegression, got)
}

func TestIsNew(t *testing.T) {
	prev := map[string]struct{}{"Ns.T1": {}}
	assert.True(t, IsNew("g1", true, prev, "Ns.T2"))
	assert.False(t, IsNew("g1", true, prev, "Ns.T1"))
	assert.False(t, IsNew("", true, prev, "Ns.T2"))
	assert.False(t, IsNew("g1", false, prev, "Ns.T2"))
}
