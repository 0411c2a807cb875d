// Package errs defines the sentinel error taxonomy shared across the
// ingest, index, and query packages (spec.md §7). Callers compare with
// errors.Is rather than matching on message text.
package errs

import "errors"

var (
	// ErrRunIDDuplicate is returned when run_started names a run_id that
	// already exists, either in the active run-state map or the index.
	ErrRunIDDuplicate = errors.New("run_id already in use")

	// ErrRunIDInvalid is returned when a client-supplied run_id fails the
	// URL-safe/percent-encoded/length checks in spec.md §6.
	ErrRunIDInvalid = errors.New("run_id invalid")

	// ErrTestCaseIDInvalid is returned when tc_id fails the
	// alphanumeric-plus-hyphen, <=20-char check.
	ErrTestCaseIDInvalid = errors.New("tc_id invalid")

	// ErrGroupHashInvalid is returned when a group_hash fails the
	// 6-64 lowercase hex check.
	ErrGroupHashInvalid = errors.New("group_hash invalid")

	// ErrStatusInvalid is returned when a test-case or run status field
	// does not name one of the allowed terminal/initial states.
	ErrStatusInvalid = errors.New("status invalid")

	// ErrUnknownRun is returned when a message names a run_id not owned
	// by any active session.
	ErrUnknownRun = errors.New("unknown run")

	// ErrUnknownTestCase is returned when a message names a tc_id not
	// present in the run.
	ErrUnknownTestCase = errors.New("unknown test case")

	// ErrMalformedFrame is returned by the wire codec when a frame's type
	// code is unknown, a required field is missing, or an interned id is
	// referenced before being defined.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrRunNotActive is returned by the live-log viewer when the
	// requested run is not present in the in-memory active map.
	ErrRunNotActive = errors.New("test run not found")
)
