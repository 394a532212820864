// Package vmrun implements the VM Runner spec §4.8 describes: a
// pseudo-terminal spawn of a VM binary, a ~100ms output-drain/deadline
// poll loop, and process-group-wide SIGKILL on timeout or cancellation.
package vmrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/kernellab/kdevd/pkg/kerrors"
	"golang.org/x/sys/unix"
)

// RunOptions describes one VM spawn.
type RunOptions struct {
	Cmd         []string
	Dir         string
	Timeout     time.Duration
	LogDir      string
	Description string
}

// Outcome is the result of one Run.
type Outcome struct {
	PID             int
	PGID            int
	LogPath         string
	RawLog          string
	ExitCode        int
	TimeoutOccurred bool
}

// Runner spawns VM binaries under a PTY. Registry is optional; when set,
// every spawn is tracked for kill_hanging_vms.
type Runner struct {
	Registry *ProcessRegistry
}

const drainInterval = 100 * time.Millisecond

// Run spawns opts.Cmd under a pseudo-terminal, drains its output into
// LogDir/boot-<ts>-<pid>.log on a ~100ms poll loop, and enforces
// opts.Timeout (and ctx cancellation) by SIGKILLing the whole process
// group, spec §4.8. The VM binary requires a controlling TTY; a plain
// pipe pair is not a substitute.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Outcome, error) {
	if len(opts.Cmd) == 0 {
		return Outcome{}, kerrors.Validationf("vmrun: empty command")
	}
	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return Outcome{}, kerrors.Resourcef(err, "cannot create log directory %s", opts.LogDir)
	}

	started := time.Now()
	logPath := filepath.Join(opts.LogDir, fmt.Sprintf("boot-%d-%d.log", started.UnixNano(), os.Getpid()))
	logFile, err := os.Create(logPath)
	if err != nil {
		return Outcome{}, kerrors.Resourcef(err, "cannot create boot log %s", logPath)
	}
	defer logFile.Close()

	cmd := exec.Command(opts.Cmd[0], opts.Cmd[1:]...)
	cmd.Dir = opts.Dir

	// Setsid makes the child its own session and process-group leader, so
	// pgid == pid and SIGKILL(-pgid) reaches every descendant it forks.
	master, err := pty.StartWithAttrs(cmd, nil, &syscall.SysProcAttr{Setsid: true, Setctty: true})
	if err != nil {
		return Outcome{}, kerrors.Resourcef(err, "failed to spawn %s under pty", opts.Cmd[0])
	}
	defer master.Close()

	pid := cmd.Process.Pid
	pgid := pid

	var entry *RegistryEntry
	if r.Registry != nil {
		entry, err = r.Registry.Register(pid, pgid, opts.Description, logPath, started)
		if err != nil {
			killGroup(pgid)
			_ = cmd.Wait()
			return Outcome{}, kerrors.Resourcef(err, "failed to register vm pid %d", pid)
		}
	}

	var buf bytes.Buffer
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutOccurred bool
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = started.Add(opts.Timeout)
	}
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

waitLoop:
	for {
		drain(master, &buf, logFile)

		select {
		case <-waitCh:
			break waitLoop
		default:
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			timeoutOccurred = true
			killGroup(pgid)
			<-waitCh
			break waitLoop
		}

		select {
		case <-waitCh:
			break waitLoop
		case <-ctx.Done():
			timeoutOccurred = true
			killGroup(pgid)
			<-waitCh
			break waitLoop
		case <-ticker.C:
		}
	}

	// Final best-effort drain pass for whatever the child wrote between
	// the last tick and exit.
	drain(master, &buf, logFile)

	if r.Registry != nil && entry != nil {
		_ = r.Registry.Unregister(entry.PID)
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return Outcome{
		PID:             pid,
		PGID:            pgid,
		LogPath:         logPath,
		RawLog:          buf.String(),
		ExitCode:        exitCode,
		TimeoutOccurred: timeoutOccurred,
	}, nil
}

// drain reads whatever is currently available on master without
// blocking past a short deadline, copying it to both buf and logFile.
func drain(master *os.File, buf *bytes.Buffer, logFile *os.File) {
	_ = master.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	chunk := make([]byte, 4096)
	for {
		n, err := master.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			_, _ = logFile.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// killGroup sends SIGKILL to every process in pgid. Failure (already
// dead) is not reported — cleanup hooks must be idempotent since exit
// and explicit cancellation can race, spec §8.
func killGroup(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
