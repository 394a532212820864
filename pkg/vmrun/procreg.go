package vmrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const registryDocVersion = "1.0"

// RegistryEntry is one tracked VM spawn, spec §4.8: "{pid, pgid,
// description, log_file_path, started_at}".
type RegistryEntry struct {
	PID         int       `json:"pid"`
	PGID        int       `json:"pgid"`
	Description string    `json:"description"`
	LogFilePath string    `json:"log_file_path"`
	StartedAt   time.Time `json:"started_at"`
}

type registryDoc struct {
	Version string          `json:"version"`
	Entries []RegistryEntry `json:"entries"`
}

// ProcessRegistry is the per-service-instance tracking file spec §4.8
// names: never shared across instances, so unlike the State Store it
// takes no advisory lock — only this process's goroutines touch it, and
// they already serialize through Register/Unregister's own calls.
type ProcessRegistry struct {
	Path string
}

// NewProcessRegistry returns a registry rooted at dir, named with the
// calling service instance's own pid so sibling instances never collide.
func NewProcessRegistry(dir string) *ProcessRegistry {
	return &ProcessRegistry{Path: filepath.Join(dir, fmt.Sprintf("vm-pids-%d.json", os.Getpid()))}
}

func (r *ProcessRegistry) read() (registryDoc, error) {
	data, err := os.ReadFile(r.Path)
	if os.IsNotExist(err) {
		return registryDoc{Version: registryDocVersion}, nil
	}
	if err != nil {
		return registryDoc{}, err
	}
	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return registryDoc{Version: registryDocVersion}, nil
	}
	return doc, nil
}

func (r *ProcessRegistry) write(doc registryDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vm-pids-*.tmp")
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
	return os.Rename(tmpPath, r.Path)
}

// Register records one spawn.
func (r *ProcessRegistry) Register(pid, pgid int, description, logFilePath string, startedAt time.Time) (*RegistryEntry, error) {
	entry := RegistryEntry{PID: pid, PGID: pgid, Description: description, LogFilePath: logFilePath, StartedAt: startedAt}
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	doc.Version = registryDocVersion
	doc.Entries = append(doc.Entries, entry)
	if err := r.write(doc); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Unregister removes every entry for pid. Removing an absent pid is a
// no-op.
func (r *ProcessRegistry) Unregister(pid int) error {
	doc, err := r.read()
	if err != nil {
		return err
	}
	kept := doc.Entries[:0]
	for _, e := range doc.Entries {
		if e.PID != pid {
			kept = append(kept, e)
		}
	}
	doc.Entries = kept
	return r.write(doc)
}

// List returns every tracked entry, live or dead.
func (r *ProcessRegistry) List() ([]RegistryEntry, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// KillReport is one victim's outcome from KillHanging.
type KillReport struct {
	Entry   RegistryEntry
	Killed  bool
	LogTail string
}

// maxTailLines is the victim log tail length spec §4.8 specifies.
const maxTailLines = 50

// KillHanging enumerates the registry, drops entries whose PID is dead,
// and SIGKILLs the process group of every live entry, spec §4.8's
// kill_hanging_vms operation. The report carries each victim's log tail;
// dead entries are dropped from the registry either way.
func (r *ProcessRegistry) KillHanging() ([]KillReport, error) {
	doc, err := r.read()
	if err != nil {
		return nil, err
	}

	var reports []KillReport
	for _, e := range doc.Entries {
		if !pidAlive(e.PID) {
			continue
		}
		killErr := unix.Kill(-e.PGID, unix.SIGKILL)
		reports = append(reports, KillReport{
			Entry:   e,
			Killed:  killErr == nil,
			LogTail: tailLines(e.LogFilePath, maxTailLines),
		})
	}
	// Dead entries are dropped, and every live entry was just killed — the
	// registry never retains a victim for a second attempt.
	doc.Entries = nil
	if err := r.write(doc); err != nil {
		return reports, err
	}
	return reports, nil
}

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

// tailLines returns the last n lines of path, tolerating invalid UTF-8
// (spec §4.8) by reading bytes and splitting without re-validating
// encoding.
func tailLines(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := splitLines(string(data))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
