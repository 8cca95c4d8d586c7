// Package process runs external helper commands (broadcast probes, event
// readers, media capture) in their own process group so they can be
// signalled and reaped as a unit.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrNoCommand is returned when a Spec has no arguments.
var ErrNoCommand = errors.New("process: empty command")

// Spec describes a command to run.
type Spec struct {
	Name   string // used in logs only
	Args   []string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Expand substitutes {key} placeholders in args.
func Expand(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// Step is one stage of a stop escalation: send Signal, then wait up to Wait
// for the process to exit before moving on.
type Step struct {
	Signal syscall.Signal
	Wait   time.Duration
}

// Process is a started command. Exactly one goroutine waits on it.
type Process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Start launches spec in a new process group.
func Start(spec Spec) (*Process, error) {
	if len(spec.Args) == 0 {
		return nil, ErrNoCommand
	}
	// #nosec G204
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &Process{name: spec.Name, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process is gone.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Signal sends sig to the whole process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	return killGroup(p.PID(), sig)
}

// Stop walks the escalation steps until the process exits. A final SIGKILL
// is always sent if the steps are exhausted. ctx bounds the whole sequence.
func (p *Process) Stop(ctx context.Context, steps ...Step) error {
	for _, s := range steps {
		if p.Exited() {
			return nil
		}
		_ = p.Signal(s.Signal)
		if p.wait(ctx, s.Wait) {
			return nil
		}
	}
	if p.Exited() {
		return nil
	}
	_ = p.Signal(syscall.SIGKILL)
	// best-effort reap
	p.wait(context.Background(), 200*time.Millisecond)
	if !p.Exited() {
		return fmt.Errorf("%s (pid %d) did not exit", p.name, p.PID())
	}
	return nil
}

func (p *Process) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return p.Exited()
	}
}
