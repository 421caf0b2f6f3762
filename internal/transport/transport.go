package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/taskman/internal/protocol"
)

// EnvWorkerInit carries the JSON encoded Init to a spawned worker.
const EnvWorkerInit = "TASKMAN_WORKER_INIT"

var (
	ErrLinkClosed     = errors.New("transport: link closed")
	ErrUnknownProgram = errors.New("transport: unknown program")
	ErrEmptyEntry     = errors.New("transport: entry path is required")
)

// Conn is an ordered message stream. Messages is closed when the inbound
// direction ends. Faults reports anomalies that did not end the stream.
type Conn interface {
	Send(msg protocol.Message) error
	Messages() <-chan protocol.Message
	Faults() <-chan error
}

// Link is a worker's connection to its parent.
type Link interface {
	Conn
	Close() error
}

// Process is a spawned worker as seen by its parent.
type Process interface {
	Conn
	ID() string
	Pid() int
	Exited() <-chan struct{}
	// ExitStatus is valid once Exited is closed.
	ExitStatus() ExitStatus
	Terminate() error
}

// Spawner starts one worker process per call.
type Spawner interface {
	Spawn(ctx context.Context, entry Entry, init Init) (Process, error)
}

// Entry describes what to run.
type Entry struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Remote *SSHTarget
}

func (e Entry) String() string {
	cmd := strings.TrimSpace(strings.Join(append([]string{e.Path}, e.Args...), " "))
	if e.Remote != nil {
		return e.Remote.User + "@" + e.Remote.Host + ":" + cmd
	}
	return cmd
}

// Init is handed to the worker at spawn time.
type Init struct {
	Name string          `json:"name"`
	Path string          `json:"path,omitempty"`
	Args []string        `json:"args,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Env renders init as an environment assignment.
func (i Init) Env() (string, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("transport: encode init: %w", err)
	}
	return EnvWorkerInit + "=" + string(b), nil
}

// InitFromEnv reads the Init of the current process. ok is false when the
// process was not spawned as a worker.
func InitFromEnv() (init Init, ok bool, err error) {
	raw, ok := os.LookupEnv(EnvWorkerInit)
	if !ok || strings.TrimSpace(raw) == "" {
		return Init{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return Init{}, true, fmt.Errorf("transport: decode %s: %w", EnvWorkerInit, err)
	}
	return init, true, nil
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Err    error
	Killed bool
	At     time.Time
}

func (s ExitStatus) String() string {
	switch {
	case s.Killed:
		return "killed"
	case s.Err != nil:
		return fmt.Sprintf("exit %d: %v", s.Code, s.Err)
	default:
		return fmt.Sprintf("exit %d", s.Code)
	}
}
