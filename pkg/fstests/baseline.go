package fstests

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/types"
)

var unsafeBaselineChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// BaselineStore is the per-user baseline directory spec §4.9 describes:
// one subdirectory per baseline, holding baseline.json and an optional
// copy of the harness log.
type BaselineStore struct {
	Dir string
}

// NewBaselineStore returns a store rooted at dir.
func NewBaselineStore(dir string) *BaselineStore {
	return &BaselineStore{Dir: dir}
}

func (s *BaselineStore) baselineDir(name string) string {
	safe := unsafeBaselineChars.ReplaceAllString(name, "_")
	return filepath.Join(s.Dir, safe)
}

// Save writes baseline.json (and check.log, if checkLog is non-empty)
// under name's directory, creating it if necessary.
func (s *BaselineStore) Save(name string, metadata types.BaselineMetadata, result types.RunResult, checkLog string) (types.Baseline, error) {
	dir := s.baselineDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Baseline{}, kerrors.Resourcef(err, "cannot create baseline directory %s", dir)
	}

	baseline := types.Baseline{Name: name, Metadata: metadata, Result: result}
	data, err := json.MarshalIndent(baseline, "", "  ")
	if err != nil {
		return types.Baseline{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "baseline.json"), data, 0o644); err != nil {
		return types.Baseline{}, kerrors.Resourcef(err, "cannot write baseline.json")
	}

	if checkLog != "" {
		if err := os.WriteFile(filepath.Join(dir, "check.log"), []byte(checkLog), 0o644); err != nil {
			return types.Baseline{}, kerrors.Resourcef(err, "cannot write check.log copy")
		}
	}

	return baseline, nil
}

// Load reads a baseline by name, or returns (false, nil) if absent.
func (s *BaselineStore) Load(name string) (types.Baseline, bool, error) {
	path := filepath.Join(s.baselineDir(name), "baseline.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return types.Baseline{}, false, nil
	}
	if err != nil {
		return types.Baseline{}, false, err
	}
	var baseline types.Baseline
	if err := json.Unmarshal(data, &baseline); err != nil {
		return types.Baseline{}, false, kerrors.Corruptionf("baseline %q is unreadable: %v", name, err)
	}
	return baseline, true, nil
}

// List enumerates every stored baseline's metadata, newest first.
func (s *BaselineStore) List() ([]types.BaselineMetadata, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []types.BaselineMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, e.Name(), "baseline.json"))
		if err != nil {
			continue
		}
		var baseline types.Baseline
		if err := json.Unmarshal(data, &baseline); err != nil {
			continue
		}
		out = append(out, baseline.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a baseline's directory. Deleting an absent baseline
// reports ok=false without error.
func (s *BaselineStore) Delete(name string) (bool, error) {
	dir := s.baselineDir(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// Compare categorizes every test in current against baseline by joining
// on test name, spec §4.9: new_failure, new_pass, still_failing,
// still_passing, new_notrun. A test absent from the baseline is a
// new_failure if it now fails, new_notrun if not run, and otherwise
// ignored (there is nothing to regress from).
func Compare(current types.RunResult, baseline types.Baseline) types.ComparisonResult {
	baselineByName := map[string]types.TestResult{}
	for _, t := range baseline.Result.Tests {
		baselineByName[t.Name] = t
	}

	var out types.ComparisonResult
	for _, t := range current.Tests {
		prior, known := baselineByName[t.Name]
		switch {
		case known && t.Status == types.TestFailed && prior.Status == types.TestPassed:
			out.NewFailures = append(out.NewFailures, t.Name)
		case known && t.Status == types.TestPassed && prior.Status == types.TestFailed:
			out.NewPasses = append(out.NewPasses, t.Name)
		case known && t.Status == types.TestFailed && prior.Status == types.TestFailed:
			out.StillFailing = append(out.StillFailing, t.Name)
		case known && t.Status == types.TestPassed && prior.Status == types.TestPassed:
			out.StillPassing = append(out.StillPassing, t.Name)
		case known && t.Status == types.TestNotRun && prior.Status != types.TestNotRun:
			out.NewNotRun = append(out.NewNotRun, t.Name)
		case !known && t.Status == types.TestFailed:
			out.NewFailures = append(out.NewFailures, t.Name)
		case !known && t.Status == types.TestNotRun:
			out.NewNotRun = append(out.NewNotRun, t.Name)
		}
	}

	out.RegressionDetected = len(out.NewFailures) > 0
	return out
}
