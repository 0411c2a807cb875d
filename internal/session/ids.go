package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/matgreaves/telemetryd/internal/errs"
	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/matgreaves/telemetryd/internal/wire"
)

var (
	percentEncoded = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	urlSafe        = regexp.MustCompile(`^[A-Za-z0-9\-_.~]+$`)
	tcIDPattern    = regexp.MustCompile(`^[A-Za-z0-9-]{1,20}$`)
	groupHashRE    = regexp.MustCompile(`^[0-9a-f]{6,64}$`)
)

// ValidateRunID checks run_id against spec.md §6: URL-safe or
// percent-encoded, no raw '/' or '\', no "..", ≤200 chars.
func ValidateRunID(runID string) error {
	if runID == "" {
		return errs.ErrRunIDInvalid
	}
	if len(runID) > 200 {
		return errs.ErrRunIDInvalid
	}
	if strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return errs.ErrRunIDInvalid
	}
	remaining := percentEncoded.ReplaceAllString(runID, "_")
	if strings.Contains(remaining, "%") || !urlSafe.MatchString(remaining) {
		return errs.ErrRunIDInvalid
	}
	return nil
}

// ValidateTCID checks tc_id: alphanumeric + hyphen, ≤20 chars.
func ValidateTCID(tcID string) error {
	if !tcIDPattern.MatchString(tcID) {
		return errs.ErrTestCaseIDInvalid
	}
	return nil
}

// ValidateGroupHash checks group_hash: 6-64 lowercase hex.
func ValidateGroupHash(hash string) error {
	if !groupHashRE.MatchString(hash) {
		return errs.ErrGroupHashInvalid
	}
	return nil
}

var validTestCaseStatuses = map[model.TestCaseStatus]bool{
	model.TCPassed:  true,
	model.TCFailed:  true,
	model.TCSkipped: true,
	model.TCAborted: true,
	model.TCError:   true,
}

// ValidateTestCaseStatus checks a test_case_finished status field.
func ValidateTestCaseStatus(status model.TestCaseStatus) error {
	if !validTestCaseStatuses[status] {
		return errs.ErrStatusInvalid
	}
	return nil
}

// NormalizeTCFullName HTML-entity-normalizes a test case's full name
// (spec.md §4.5 test_case_started effect).
func NormalizeTCFullName(name string) string {
	return html.UnescapeString(name)
}

// normalizeGroup produces the canonical {name, metadata} payload a
// group_hash is computed from: a trimmed non-empty name and metadata with
// trimmed, non-empty keys. Returns nil if there is no usable group.
func normalizeGroup(g *wire.GroupPayload) *wire.GroupPayload {
	if g == nil {
		return nil
	}
	name := strings.TrimSpace(g.Name)
	if name == "" {
		return nil
	}
	metadata := make(map[string]model.MetadataValue, len(g.Metadata))
	for k, v := range g.Metadata {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		metadata[key] = v
	}
	return &wire.GroupPayload{Name: name, Metadata: metadata}
}

// ComputeGroupHash computes group_hash as the first 16 hex characters of
// SHA-256 over the canonical {name, sorted (key,value) pairs} payload
// (spec.md §3, invariant 5). Returns "" if there is no usable group.
func ComputeGroupHash(g *wire.GroupPayload) string {
	normalized := normalizeGroup(g)
	if normalized == nil {
		return ""
	}

	pairs := make([][2]string, 0, len(normalized.Metadata))
	for k, v := range normalized.Metadata {
		pairs = append(pairs, [2]string{k, v.Value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		li, lj := strings.ToLower(pairs[i][0]), strings.ToLower(pairs[j][0])
		if li != lj {
			return li < lj
		}
		return pairs[i][1] < pairs[j][1]
	})

	canonical := struct {
		Name     string      `json:"name"`
		Metadata [][2]string `json:"metadata"`
	}{Name: normalized.Name, Metadata: pairs}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// uniquifyRunName returns base, or base with the lowest free " N" suffix,
// after looking up run names already in use within the group scope, both
// among currently active in-memory runs and the index (spec.md §4.5
// "apply run-name uniquification").
func (s *Session) uniquifyRunName(base, groupHash string) (string, error) {
	existing := make(map[string]bool)
	for _, id := range s.deps.Runs.ActiveRunIDs() {
		r, ok := s.deps.Runs.Get(id)
		if !ok {
			continue
		}
		run := r.RunRecord()
		if run.GroupHash == groupHash {
			existing[run.RunName] = true
		}
	}

	names, err := s.deps.Index.RunNamesWithPrefix(groupHash, base)
	if err != nil {
		return "", err
	}
	for _, n := range names {
		existing[n] = true
	}

	if !existing[base] {
		return base, nil
	}
	for counter := 1; ; counter++ {
		candidate := base + " " + strconv.Itoa(counter)
		if !existing[candidate] {
			return candidate, nil
		}
	}
}
