package diskstore

import (
	"fmt"
	"os"

	"github.com/matgreaves/telemetryd/internal/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Sidecar is the per-run metadata file: the run's canonical state plus,
// after merge, per-test-case archive offsets (spec.md §4.3, GLOSSARY
// "Sidecar").
type Sidecar struct {
	Run       model.Run                `msgpack:"run"`
	TestCases map[string]model.TestCase `msgpack:"test_cases"` // keyed by tc_id
}

// WriteSidecar atomically writes the sidecar for runID.
func (s *Store) WriteSidecar(runID string, sc Sidecar) error {
	data, err := msgpack.Marshal(sc)
	if err != nil {
		return fmt.Errorf("diskstore: marshal sidecar: %w", err)
	}
	if err := atomicWrite(s.sidecarPath(runID), data); err != nil {
		return fmt.Errorf("diskstore: write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar reads the sidecar for runID. If the sidecar exists but the
// merged archive does not, the per-case files are authoritative (spec.md
// §4.3 failure semantics) — callers that need the archive should check
// HasArchive separately.
func (s *Store) ReadSidecar(runID string) (Sidecar, error) {
	data, err := os.ReadFile(s.sidecarPath(runID))
	if err != nil {
		return Sidecar{}, fmt.Errorf("diskstore: read sidecar: %w", err)
	}
	var sc Sidecar
	if err := msgpack.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("diskstore: unmarshal sidecar: %w", err)
	}
	return sc, nil
}

// HasArchive reports whether the merged archive file exists for runID.
func (s *Store) HasArchive(runID string) bool {
	_, err := os.Stat(s.archivePath(runID))
	return err == nil
}
