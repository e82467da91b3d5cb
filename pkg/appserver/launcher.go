package appserver

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
)

const (
	// DefaultStderrTailLines is how many trailing stderr lines are retained
	// for diagnostics.
	DefaultStderrTailLines = 5

	// stopGraceWindow is how long Stop waits after SIGTERM before escalating
	// to SIGKILL.
	stopGraceWindow = time.Second
)

// SpawnSpec describes an agent process to launch. Env is opaque to the
// launcher: the caller builds it, including any workspace-scoped home
// overlay. A nil Env inherits the parent environment.
type SpawnSpec struct {
	Command     []string
	Dir         string
	Env         []string
	StderrLines int
}

// Process owns one spawned agent subprocess and its pipes. On POSIX the
// child runs in its own process group so the whole tree can be signalled.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startedAt time.Time

	stderrTail *stderrRing

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
	stopped bool

	logger *logger.Logger
}

// Spawn starts the agent process with stdio pipes. Spawn failures are typed
// and never retried here; restart policy belongs to the supervisor.
func Spawn(spec SpawnSpec, log *logger.Logger) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, &SpawnError{Path: "", Err: exec.ErrNotFound}
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Command[0], Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Command[0], Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Command[0], Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: spec.Command[0], Err: err}
	}

	lines := spec.StderrLines
	if lines <= 0 {
		lines = DefaultStderrTailLines
	}

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		startedAt:  time.Now(),
		stderrTail: newStderrRing(lines),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.Int("pid", cmd.Process.Pid)),
	}

	go p.readStderr()
	go p.waitForExit()

	p.logger.Info("app_server.spawned",
		zap.String("command", spec.Command[0]),
		zap.String("dir", spec.Dir))

	return p, nil
}

// Stdin returns the child's stdin pipe.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the child's stdout pipe.
func (p *Process) Stdout() io.Reader { return p.stdout }

// PID returns the child process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Command returns the argv the process was spawned with.
func (p *Process) Command() []string { return p.cmd.Args }

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait error after Done is closed, nil on clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// StderrTail returns the retained trailing stderr lines.
func (p *Process) StderrTail() []string {
	return p.stderrTail.Lines()
}

// Stop terminates the process tree: SIGTERM to the group, a bounded grace
// wait, then SIGKILL. It always waits until the exit status is observable.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	// Closing stdin signals EOF; well-behaved agents exit on it.
	_ = p.stdin.Close()

	if err := terminateProcessGroup(p.cmd.Process.Pid); err != nil {
		p.logger.Debug("terminate signal failed", zap.Error(err))
	}

	grace := time.NewTimer(stopGraceWindow)
	defer grace.Stop()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	p.logger.Warn("agent did not exit in grace window, killing process group")
	if err := killProcessGroup(p.cmd.Process.Pid); err != nil {
		// Fall back to killing just the direct child.
		_ = p.cmd.Process.Kill()
	}

	<-p.done
	return nil
}

// readStderr retains a bounded tail and logs every line.
func (p *Process) readStderr() {
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrTail.Add(line)
		p.logger.Debug("agent stderr", zap.String("line", line))
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// waitForExit reaps the child and records its exit status.
func (p *Process) waitForExit() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	if err != nil {
		p.logger.Info("agent process exited with error", zap.Error(err))
	} else {
		p.logger.Info("agent process exited")
	}
	close(p.done)
}

// stderrRing is a fixed-size ring of the most recent stderr lines.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrRing(max int) *stderrRing {
	return &stderrRing{max: max}
}

func (r *stderrRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *stderrRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
