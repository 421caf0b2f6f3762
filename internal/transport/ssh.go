package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHTarget is a remote host a worker runs on.
type SSHTarget struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
}

// SSHSpawner runs workers on Entry.Remote through an ssh session. The frame
// streams are the session's stdin and stdout.
type SSHSpawner struct{}

func (SSHSpawner) Spawn(ctx context.Context, entry Entry, init Init) (Process, error) {
	if entry.Remote == nil {
		return nil, fmt.Errorf("transport: ssh spawn without remote target")
	}
	if strings.TrimSpace(entry.Path) == "" {
		return nil, ErrEmptyEntry
	}
	initEnv, err := init.Env()
	if err != nil {
		return nil, err
	}

	client, err := entry.Remote.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: ssh dial %s: %w", entry.Remote.Host, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}

	command := remoteCommand(entry, initEnv)
	if err := session.Start(command); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("transport: start %s: %w", entry, err)
	}

	p := &sshProcess{
		id:      xid.New().String(),
		client:  client,
		session: session,
		exited:  make(chan struct{}),
	}
	p.streamConn = newStreamConn(stdout, stdin, stdin)
	stderrDone := make(chan struct{})
	go scanLines(stderr, p.streamConn, stderrDone)
	go p.wait(stderrDone)

	log.Debug().Str("worker", init.Name).Str("process", p.id).Str("host", entry.Remote.Host).Msg("remote process started")
	return p, nil
}

// remoteCommand prefixes the environment since most sshd configs refuse
// Setenv for arbitrary names.
func remoteCommand(entry Entry, initEnv string) string {
	var b strings.Builder
	if entry.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellEscape(entry.Dir))
		b.WriteString(" && ")
	}
	b.WriteString("env")
	for _, kv := range append(append([]string(nil), entry.Env...), initEnv) {
		b.WriteByte(' ')
		b.WriteString(shellEscape(kv))
	}
	b.WriteByte(' ')
	b.WriteString(joinCommand(entry.Path, entry.Args))
	return b.String()
}

type sshProcess struct {
	*streamConn
	id      string
	client  *ssh.Client
	session *ssh.Session

	killed atomic.Bool
	mu     sync.Mutex
	status ExitStatus
	exited chan struct{}
}

func (p *sshProcess) ID() string              { return p.id }
func (p *sshProcess) Pid() int                { return 0 }
func (p *sshProcess) Exited() <-chan struct{} { return p.exited }

func (p *sshProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *sshProcess) Terminate() error {
	p.killed.Store(true)
	err := p.session.Signal(ssh.SIGKILL)
	_ = p.streamConn.Close()
	_ = p.session.Close()
	select {
	case <-p.exited:
	case <-time.After(terminateWait):
		_ = p.client.Close()
		<-p.exited
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return err
}

func (p *sshProcess) wait(stderrDone <-chan struct{}) {
	<-p.streamConn.ended
	<-stderrDone
	err := p.session.Wait()

	status := ExitStatus{Killed: p.killed.Load(), At: time.Now()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status.Code = exitErr.ExitStatus()
	default:
		status.Code = -1
		status.Err = err
	}
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	_ = p.streamConn.Close()
	_ = p.client.Close()
	close(p.exited)
}

func (r *SSHTarget) dial(ctx context.Context) (*ssh.Client, error) {
	address, err := r.address()
	if err != nil {
		return nil, err
	}
	config, err := r.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: r.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (r *SSHTarget) address() (string, error) {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		return "", fmt.Errorf("ssh host is required")
	}
	if r.Port != "" {
		return net.JoinHostPort(host, r.Port), nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

func (r *SSHTarget) clientConfig() (*ssh.ClientConfig, error) {
	if r.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	signer, err := r.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if r.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := r.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.Timeout,
	}, nil
}

func (r *SSHTarget) signer() (ssh.Signer, error) {
	if r.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	privateKey, err := os.ReadFile(r.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(r.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, r.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (r *SSHTarget) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(r.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

func joinCommand(cmd string, args []string) string {
	var builder strings.Builder
	builder.WriteString(shellEscape(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(shellEscape(arg))
	}
	return builder.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
