// Package statestore implements the State Store spec §4.2 describes: a
// single JSON document recording every live VolumeAllocation, coordinated
// across sibling service instances purely through an advisory file lock.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/kernellab/kdevd/pkg/kerrors"
	"github.com/kernellab/kdevd/pkg/metrics"
	"github.com/kernellab/kdevd/pkg/types"
	"golang.org/x/sys/unix"
)

const documentVersion = "1.0"

type document struct {
	Version     string                            `json:"version"`
	Allocations map[string]types.VolumeAllocation `json:"allocations"`
}

// Store is the file-locked JSON allocation document at Path.
type Store struct {
	Path string
}

// New returns a Store backed by path. The document is created lazily on
// first write; Allocations returns an empty result until then.
func New(path string) *Store {
	return &Store{Path: path}
}

func (s *Store) lock() *flock.Flock {
	return flock.New(s.Path + ".lock")
}

func (s *Store) read() (document, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return document{Version: documentVersion, Allocations: map[string]types.VolumeAllocation{}}, nil
	}
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		// spec §7 CorruptionWarning: treated as empty, never fatal, with
		// a logged warning left to the caller.
		return document{Version: documentVersion, Allocations: map[string]types.VolumeAllocation{}},
			kerrors.Corruptionf("state store document unreadable: %v", err)
	}
	if doc.Allocations == nil {
		doc.Allocations = map[string]types.VolumeAllocation{}
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".lv-state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.Path)
}

// withExclusiveLock runs fn while holding the exclusive file lock, then
// releases it unconditionally.
func (s *Store) withExclusiveLock(fn func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StateStoreOperationDuration, "write")
	fl := s.lock()
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}

func (s *Store) withSharedLock(fn func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StateStoreOperationDuration, "read")
	fl := s.lock()
	if err := fl.RLock(); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}

// Register appends a VolumeAllocation, keyed by LV name.
func (s *Store) Register(alloc types.VolumeAllocation) error {
	return s.withExclusiveLock(func() error {
		doc, err := s.read()
		if err != nil {
			// CorruptionWarning is non-fatal; proceed with the empty doc
			// it already produced.
			_ = err
		}
		doc.Version = documentVersion
		doc.Allocations[alloc.LVName] = alloc
		return s.write(doc)
	})
}

// Unregister removes an allocation by LV name. Removing an absent name is
// a no-op, matching the idempotence spec §8 requires of cleanup.
func (s *Store) Unregister(lvName string) error {
	return s.withExclusiveLock(func() error {
		doc, _ := s.read()
		delete(doc.Allocations, lvName)
		return s.write(doc)
	})
}

// AllocationsFor filters live allocations to one session id.
func (s *Store) AllocationsFor(sessionID string) ([]types.VolumeAllocation, error) {
	var out []types.VolumeAllocation
	err := s.withSharedLock(func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		for _, a := range doc.Allocations {
			if a.SessionID == sessionID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// All returns every live allocation in the document.
func (s *Store) All() ([]types.VolumeAllocation, error) {
	var out []types.VolumeAllocation
	err := s.withSharedLock(func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		for _, a := range doc.Allocations {
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// RemoveFunc attempts to remove a dead allocation's underlying LV. It
// returns true if the LV was removed (so the caller should unregister it)
// and false if removal failed (so the record should be retained for a
// future sweep).
type RemoveFunc func(alloc types.VolumeAllocation) (removed bool)

// SweepOrphans removes allocations in pool whose owning PID is no longer
// alive, per spec §4.2: "for each allocation whose PID is not alive
// (kill(pid, 0) style probe), attempt LV removal; if removal succeeds,
// unregister; if it fails, retain the record."
func (s *Store) SweepOrphans(poolName string, remove RemoveFunc) ([]types.VolumeAllocation, error) {
	var swept []types.VolumeAllocation
	err := s.withExclusiveLock(func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		for name, alloc := range doc.Allocations {
			if alloc.PoolName != poolName {
				continue
			}
			if pidAlive(alloc.AllocatorPID) {
				continue
			}
			if remove(alloc) {
				delete(doc.Allocations, name)
				swept = append(swept, alloc)
			}
		}
		return s.write(doc)
	})
	return swept, err
}

// pidAlive probes liveness the way spec §4.2 describes: a kill(pid, 0)
// style probe that does not actually signal the process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
