package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

const terminateWait = 5 * time.Second

// NewSpawner returns the default spawner: entries with a Remote target run
// over ssh, everything else is executed locally.
func NewSpawner() Spawner {
	return hostSpawner{}
}

type hostSpawner struct {
	local  ExecSpawner
	remote SSHSpawner
}

func (s hostSpawner) Spawn(ctx context.Context, entry Entry, init Init) (Process, error) {
	if entry.Remote != nil {
		return s.remote.Spawn(ctx, entry, init)
	}
	return s.local.Spawn(ctx, entry, init)
}

// ExecSpawner runs workers as local child processes. Frames flow over the
// child's stdin and stdout; stderr lines are reported as faults.
type ExecSpawner struct {
	// Env is added to every child's environment after os.Environ.
	Env []string
}

func (s ExecSpawner) Spawn(ctx context.Context, entry Entry, init Init) (Process, error) {
	if strings.TrimSpace(entry.Path) == "" {
		return nil, ErrEmptyEntry
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	initEnv, err := init.Env()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(entry.Path, entry.Args...)
	cmd.Dir = entry.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, entry.Env...)
	cmd.Env = append(cmd.Env, initEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start %s: %w", entry, err)
	}

	p := &execProcess{
		id:     xid.New().String(),
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	p.streamConn = newStreamConn(stdout, stdin, stdin)
	stderrDone := make(chan struct{})
	go scanLines(stderr, p.streamConn, stderrDone)
	go p.wait(stderrDone)

	log.Debug().Str("worker", init.Name).Str("process", p.id).Int("pid", cmd.Process.Pid).Msg("process started")
	return p, nil
}

type execProcess struct {
	*streamConn
	id  string
	cmd *exec.Cmd

	killed atomic.Bool
	mu     sync.Mutex
	status ExitStatus
	exited chan struct{}
}

func (p *execProcess) ID() string              { return p.id }
func (p *execProcess) Pid() int                { return p.cmd.Process.Pid }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *execProcess) Terminate() error {
	p.killed.Store(true)
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	_ = p.streamConn.Close()
	select {
	case <-p.exited:
	case <-time.After(terminateWait):
		return fmt.Errorf("transport: process %s did not exit after kill", p.id)
	}
	return err
}

// wait drains stdout and stderr before Wait, which closes both pipes.
func (p *execProcess) wait(stderrDone <-chan struct{}) {
	<-p.streamConn.ended
	<-stderrDone
	err := p.cmd.Wait()

	status := ExitStatus{Code: p.cmd.ProcessState.ExitCode(), Killed: p.killed.Load(), At: time.Now()}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	_ = p.streamConn.Close()
	close(p.exited)
}

func scanLines(r io.Reader, c *streamConn, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.fault(fmt.Errorf("stderr: %s", line))
	}
	if err := scanner.Err(); err != nil && !isClosedErr(err) {
		c.fault(fmt.Errorf("stderr: %w", err))
	}
}
