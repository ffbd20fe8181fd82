// Package remote provides the authenticated shell channel used to drive probe
// instances: session setup with post-boot retry, command execution with
// per-command timeouts, and teardown.
//
// Sessions are deliberately dumb. The package never retries a command, never
// reinterprets a non-zero exit, and never reconnects on its own; the
// orchestration layer owns all of those policies. A Session is exclusively
// owned by one caller at a time and provides no internal synchronization.
//
// Key Components:
//   - Connector: dials hosts with exponential-backoff retry
//   - Session: one authenticated shell channel
//   - Outcome: exit code, captured output, and failure classification
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	defaultConnectRetries = 5
	defaultConnectBackoff = 10 * time.Second
	dialTimeout           = 15 * time.Second
)

// Connector dials SSH sessions for one user/key pair. The private key is
// loaded once and held here; it never leaves this package and is never
// logged.
type Connector struct {
	User    string
	signer  ssh.Signer
	log     logrus.FieldLogger
	Retries int
	Backoff time.Duration

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewConnector loads the private key at keyPath and prepares a connector for
// the given remote user. Key files with group or world permission bits get a
// warning but are still accepted; openssh itself would refuse them, so the
// warning usually means the key was copied carelessly.
func NewConnector(user, keyPath string, log logrus.FieldLogger) (*Connector, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	if info.Mode().Perm()&0o077 != 0 {
		log.WithField("key", keyPath).Warnf("private key permissions are %04o, expected owner-only", info.Mode().Perm())
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	return &Connector{
		User:    user,
		signer:  signer,
		log:     log,
		Retries: defaultConnectRetries,
		Backoff: defaultConnectBackoff,
		sleep:   time.Sleep,
	}, nil
}

// Connect establishes an authenticated session to host:22, retrying with
// exponential backoff to absorb post-boot service readiness delay. The
// effective ceiling with the defaults is roughly 160 seconds of waiting.
func (c *Connector) Connect(ctx context.Context, host string) (*Session, error) {
	cfg := &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // ephemeral hosts, no known_hosts entry to pin
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(host, "22")

	retries := c.Retries
	if retries <= 0 {
		retries = defaultConnectRetries
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = defaultConnectBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "connect canceled")
		default:
		}
		client, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			c.log.WithFields(logrus.Fields{"host": host, "attempt": attempt}).Debug("ssh session established")
			return &Session{client: client, host: host, log: c.log}, nil
		}
		lastErr = err
		if attempt < retries {
			c.log.WithFields(logrus.Fields{
				"host":    host,
				"attempt": attempt,
				"backoff": backoff.String(),
			}).Debugf("ssh connect failed: %v", err)
			c.sleep(backoff)
			backoff *= 2
		}
	}
	return nil, errors.Wrapf(lastErr, "connecting to %s after %d attempts", host, retries)
}

// Session is one authenticated shell channel to a probe instance. It is
// invalidated by server-side teardown (e.g. a driver reload dropping the
// network interface) and must then be reopened through the Connector.
type Session struct {
	client *ssh.Client
	host   string
	log    logrus.FieldLogger
	closed bool
}

// Host returns the address this session is connected to.
func (s *Session) Host() string { return s.host }

// Run executes one command and captures its outcome. Timeout expiry yields
// classification timeout with whatever output was captured; the remote
// process is killed on a best-effort basis. Exit codes are reported verbatim.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) Outcome {
	out := Outcome{Command: command, ExitCode: -1}
	if s.client == nil || s.closed {
		out.Class = ClassTransport
		out.Stderr = "session is closed"
		return out
	}
	sess, err := s.client.NewSession()
	if err != nil {
		out.Class = ClassTransport
		out.Stderr = err.Error()
		return out
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		out.Class = ClassTransport
		out.Stderr = err.Error()
		return out
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err = <-done:
	case <-timer:
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		out.Stdout = stdout.String()
		out.Stderr = stderr.String()
		out.Class = ClassTimeout
		s.log.WithField("host", s.host).Warnf("command timed out after %s: %s", timeout, command)
		return out
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		out.Stdout = stdout.String()
		out.Stderr = stderr.String()
		out.Class = ClassTimeout
		return out
	}

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	if err == nil {
		out.ExitCode = 0
		out.Class = ClassOK
		return out
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		out.Class = ClassNonZeroExit
		return out
	}
	out.Class = ClassTransport
	if out.Stderr == "" {
		out.Stderr = err.Error()
	}
	return out
}

// Close tears the session down. Idempotent, and safe to call on a session the
// server already dropped.
func (s *Session) Close() error {
	if s.closed || s.client == nil {
		return nil
	}
	s.closed = true
	err := s.client.Close()
	if err != nil {
		// Server-side teardown already closed the transport.
		s.log.WithField("host", s.host).Debugf("close after server teardown: %v", err)
	}
	return nil
}

// Addr formats host:port for diagnostics.
func Addr(host string) string { return fmt.Sprintf("%s:22", host) }
