package procd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"astoria/internal/faults"
)

// Spec describes one user code process.
type Spec struct {
	Dir          string
	Command      []string
	Env          []string
	LogDir       string
	InitialLines []string
	TailLines    int
	OnLine       LineFunc
}

// Exit describes how a process ended.
type Exit struct {
	Code     int
	Signaled bool
	Signal   string
	Tail     []string
}

// Process is a running user code process and its log.
type Process struct {
	cmd  *exec.Cmd
	log  *runLog
	done chan struct{}

	mu   sync.Mutex
	exit Exit
}

// Spawn starts spec.Command in its own session so the whole process group can
// be signalled. Standard input is /dev/null; output goes to the run log.
func Spawn(spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, faults.Wrap(faults.ErrSpawn, "supervisor", "spawn", "empty command", nil)
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Both streams share one pipe so lines keep their relative order.
	output, writer, err := os.Pipe()
	if err != nil {
		return nil, faults.Wrap(faults.ErrSpawn, "supervisor", "spawn", "output pipe", err)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	log, err := openRunLog(spec.LogDir, spec.InitialLines, spec.TailLines, spec.OnLine)
	if err != nil {
		_ = output.Close()
		_ = writer.Close()
		return nil, faults.Wrap(faults.ErrSpawn, "supervisor", "spawn", "open log", err)
	}
	err = cmd.Start()
	_ = writer.Close()
	if err != nil {
		_ = output.Close()
		log.Line(fmt.Sprintf("Unable to start code: %v", err))
		_ = log.Close()
		return nil, faults.Wrap(faults.ErrSpawn, "supervisor", "spawn", spec.Command[0], err)
	}

	p := &Process{cmd: cmd, log: log, done: make(chan struct{})}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		p.copyLines(output)
	}()
	go func() {
		err := cmd.Wait()
		// Background children may inherit the pipe and hold it open long
		// after the direct child is reaped.
		timer := time.NewTimer(outputDrainDelay)
		select {
		case <-drained:
		case <-timer.C:
			_ = output.Close()
			<-drained
		}
		timer.Stop()
		_ = output.Close()
		p.finish(err)
	}()
	return p, nil
}

// outputDrainDelay bounds how long output is read after the process exits.
const outputDrainDelay = 500 * time.Millisecond

func (p *Process) copyLines(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p.log.Line(line)
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) finish(waitErr error) {
	exit := Exit{Code: 0}
	if state := p.cmd.ProcessState; state != nil {
		exit.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signaled = true
			exit.Signal = unix.SignalName(ws.Signal())
		}
	} else if waitErr != nil {
		exit.Code = -1
	}
	_ = p.log.Close()
	exit.Tail = p.log.Tail()

	p.mu.Lock()
	p.exit = exit
	p.mu.Unlock()
	close(p.done)
}

// PID returns the process id, which is also the process group id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has been reaped and its output drained,
// or abandoned after a short delay if a background child still holds it.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit reports how the process ended. Valid once Done is closed.
func (p *Process) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Signal sends sig to the whole process group.
func (p *Process) Signal(sig unix.Signal) error {
	err := unix.Kill(-p.PID(), sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Terminate sends SIGTERM to the process group and SIGKILL if it is still
// alive after grace. It returns once the process has been reaped or ctx ends.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.Signal(unix.SIGTERM); err != nil {
		return fmt.Errorf("sigterm: %w", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		_ = p.Signal(unix.SIGKILL)
		return ctx.Err()
	}
	if err := p.Signal(unix.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Command builds the argv for entrypoint: the interpreter followed by the
// entrypoint, or the entrypoint alone when no interpreter is configured.
func Command(interpreter []string, dir, entrypoint string) []string {
	if len(interpreter) == 0 {
		return []string{dir + string(os.PathSeparator) + entrypoint}
	}
	return append(append([]string(nil), interpreter...), entrypoint)
}
