// Package worker supervises the long-lived worker child processes: spawn,
// health pings, request/response correlation over NDJSON pipes, and
// crash-restart with backoff.
package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/leaderpass/conductor/internal/config"
	"github.com/leaderpass/conductor/internal/procutil"
	"github.com/leaderpass/conductor/internal/wire"
)

// Process is one running worker child. The supervisor owns all reads and
// writes; implementations only expose the raw pipes and lifecycle.
type Process interface {
	PID() int
	// Write sends one wire line (caller appends the newline) to stdin.
	Write(p []byte) (int, error)
	Stdout() io.Reader
	Stderr() io.Reader
	// Done receives the Wait error once, when the process exits.
	Done() <-chan error
	// Terminate signals the process group to stop, escalating to SIGKILL
	// after the grace period.
	Terminate(grace time.Duration) error
	// Kill hard-kills the process group immediately.
	Kill() error
}

// Spawner launches worker processes. Tests inject a fake; production uses
// ExecSpawner.
type Spawner interface {
	Spawn(w wire.Worker, spec config.WorkerSpawn) (Process, error)
}

// ExecSpawner spawns real child processes with piped stdio. Children get
// their own process group so kill escalation reaps helpers they fork.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(w wire.Worker, spec config.WorkerSpawn) (Process, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), flattenEnv(spec.Env)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin: %w", w, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdout: %w", w, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stderr: %w", w, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %s: %w", w, spec.Executable, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		close(waitCh)
	}()

	return &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		waitCh: waitCh,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	waitCh chan error
}

func (p *execProcess) PID() int                    { return p.cmd.Process.Pid }
func (p *execProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *execProcess) Stdout() io.Reader           { return p.stdout }
func (p *execProcess) Stderr() io.Reader           { return p.stderr }
func (p *execProcess) Done() <-chan error          { return p.waitCh }

func (p *execProcess) Terminate(grace time.Duration) error {
	_ = p.stdin.Close()
	if err := killGroup(p.cmd, syscall.SIGTERM); err != nil {
		return err
	}
	if grace <= 0 {
		grace = 250 * time.Millisecond
	}
	select {
	case <-p.waitCh:
		return nil
	case <-time.After(grace):
	}
	if err := killGroup(p.cmd, syscall.SIGKILL); err != nil {
		return err
	}
	if !procutil.WaitForExit(p.PID(), 2*time.Second) {
		return fmt.Errorf("process %d did not exit after SIGKILL", p.PID())
	}
	return nil
}

func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	return killGroup(p.cmd, syscall.SIGKILL)
}

// killGroup signals the whole process group. A vanished process is not an
// error.
func killGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
