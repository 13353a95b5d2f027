// Package launcher spawns supervised agents as local processes or containers.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/ports"
)

const (
	outputWaitDelay = 2 * time.Second
	maxLineBytes    = 64 * 1024
)

// ExecLauncher runs agents as child processes of the orchestrator.
type ExecLauncher struct {
	// Dir is the working directory of spawned processes.
	Dir string
	// BaseEnv is appended to the orchestrator environment.
	BaseEnv map[string]string
}

func NewExecLauncher(dir string) *ExecLauncher {
	return &ExecLauncher{Dir: dir}
}

// Launch starts the spec command. The process is not bound to ctx: it keeps
// running until Terminate or Kill.
func (l *ExecLauncher) Launch(ctx context.Context, spec domain.AgentSpec, logf ports.LogFunc) (ports.ProcessHandle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("agent %s has no command", spec.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(spec.Command[0]); err != nil {
		return nil, fmt.Errorf("command %q not found: %w", spec.Command[0], err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...) //nolint:gosec // command from trusted roster
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), agentEnv(spec, l.BaseEnv)...)

	stdout := newLineWriter("stdout", logf)
	stderr := newLineWriter("stderr", logf)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the output open must not block Wait forever.
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.ID, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// lineWriter hands complete lines of process output to a LogFunc.
type lineWriter struct {
	stream string
	logf   ports.LogFunc

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(stream string, logf ports.LogFunc) *lineWriter {
	return &lineWriter{stream: stream, logf: logf}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if w.logf != nil && len(line) > 0 {
		w.logf(w.stream, string(line))
	}
}

// agentEnv is the environment every launched agent receives.
func agentEnv(spec domain.AgentSpec, base map[string]string) []string {
	env := make([]string, 0, len(base)+len(spec.Env)+3)
	for k, v := range base {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"PORT="+strconv.Itoa(spec.Port),
		"AGENT_ID="+spec.ID,
	)
	if spec.Host != "" {
		env = append(env, "AGENT_HOST="+spec.Host)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *process) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *process) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *process) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *process) signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
