// exec.go implements the SSH transport behind the pool: dialing hosts,
// running commands in dedicated sessions, and the liveness/keepalive
// primitives the health monitor uses.

package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/sshkeys"
)

// Target is everything needed to dial one host. The host registry resolves
// host IDs into targets so the pool never touches stored credentials.
type Target struct {
	Address            string
	Port               int
	Username           string
	AuthMethods        []ssh.AuthMethod
	HostKeyFingerprint string // pinned from a previous connection, empty on first use
}

// HostDialer resolves host IDs into dialable targets.
type HostDialer interface {
	// DialTarget returns the address and credentials for a host.
	DialTarget(ctx context.Context, hostID uint) (Target, error)
	// RecordHostKey stores the host key fingerprint observed during the
	// first successful handshake for trust-on-first-use pinning.
	RecordHostKey(hostID uint, fingerprint string)
}

// ExecResult captures the outcome of a single remote command.
type ExecResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// conn is the transport surface the pool needs from one established SSH
// connection. The production implementation wraps *ssh.Client; tests
// substitute fakes through dialFunc.
type conn interface {
	// Exec runs a command in a fresh session. A non-zero exit status is
	// reported in the result, not as an error; an error means the
	// transport itself failed.
	Exec(ctx context.Context, command string) (*ExecResult, error)
	// Ping runs a cheap liveness probe and reports the round-trip time.
	Ping(ctx context.Context) (time.Duration, error)
	// Keepalive sends a protocol-level keepalive request.
	Keepalive() error
	Close() error
}

// dialFunc establishes a transport to a target. Overridable in tests.
var dialFunc = dialSSH

// dialSSH dials a target over TCP and completes the SSH handshake within
// timeout. It returns the transport and the SHA256 fingerprint of the host
// key presented by the server.
func dialSSH(ctx context.Context, target Target, timeout time.Duration) (conn, string, error) {
	if len(target.AuthMethods) == 0 {
		return nil, "", errors.New("no authentication methods for target")
	}

	hostKeyCallback, actualFingerprint := sshkeys.MakeHostKeyCallback(target.HostKeyFingerprint)
	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            target.AuthMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", target.Address, target.Port)
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return nil, "", fmt.Errorf("dial %s: %w", addr, errdefs.ErrConnectTimeout)
		}
		return nil, "", fmt.Errorf("dial %s: %w", addr, err)
	}

	// ClientConfig.Timeout only covers ssh.Dial, not NewClientConn, so the
	// handshake deadline goes on the socket directly.
	deadline := time.Now().Add(timeout)
	_ = netConn.SetDeadline(deadline)
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		if time.Now().After(deadline) {
			return nil, "", fmt.Errorf("ssh handshake with %s: %w", addr, errdefs.ErrConnectTimeout)
		}
		return nil, "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	fingerprint := ""
	if actualFingerprint != nil {
		fingerprint = *actualFingerprint
	}
	return &sshTransport{client: client}, fingerprint, nil
}

// sshTransport adapts *ssh.Client to the conn interface. Sessions are
// multiplexed over the one TCP connection, each Exec in its own session.
type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) Exec(ctx context.Context, command string) (*ExecResult, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		result := &ExecResult{
			Command:  command,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		var missingErr *ssh.ExitMissingError
		if errors.As(err, &missingErr) {
			result.ExitCode = -1
			return result, nil
		}
		return nil, fmt.Errorf("run command: %w", err)
	case <-ctx.Done():
		// Closing the session unblocks Run; the buffered channel lets the
		// goroutine exit.
		session.Close()
		return nil, ctx.Err()
	}
}

func (t *sshTransport) Ping(ctx context.Context) (time.Duration, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := session.Output(healthCheckCommand)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("probe command: %w", err)
		}
		return time.Since(start), nil
	case <-ctx.Done():
		session.Close()
		return 0, ctx.Err()
	}
}

func (t *sshTransport) Keepalive() error {
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (t *sshTransport) Close() error {
	return t.client.Close()
}
