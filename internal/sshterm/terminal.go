// Package sshterm provides interactive consoles to registered hosts: a
// PTY-backed shell over the host's SSH connection, bridged to a websocket by
// the terminal handler. A console lives exactly as long as its websocket —
// closing either side tears down both the SSH session and the dedicated
// connection carrying it.
package sshterm

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// DefaultShell is started when a console request names no shell.
const DefaultShell = "/bin/bash"

// AllowedShells is the whitelist of shells a console may start. The shell
// string is passed to the remote side verbatim, so only exact known paths
// are accepted.
var AllowedShells = []string{
	"/bin/bash",
	"/bin/sh",
	"/bin/zsh",
}

// ValidateShell checks the shell against the whitelist. Empty is allowed and
// defaults to DefaultShell.
func ValidateShell(shell string) error {
	if shell == "" {
		return nil
	}
	for _, allowed := range AllowedShells {
		if shell == allowed {
			return nil
		}
	}
	return fmt.Errorf("shell %q is not allowed; permitted shells: %v", shell, AllowedShells)
}

const (
	// MaxInputMessageSize bounds a single websocket input message.
	MaxInputMessageSize = 64 * 1024

	// MaxTermCols and MaxTermRows bound resize requests.
	MaxTermCols uint16 = 500
	MaxTermRows uint16 = 200
)

// Terminal is a PTY-backed shell session. Writes to Stdin reach the shell;
// Stdout carries the terminal output stream.
type Terminal struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	session *ssh.Session
}

// Open starts a shell with a PTY on the client. An empty shell starts
// DefaultShell; anything else must pass ValidateShell.
func Open(client *ssh.Client, shell string) (*Terminal, error) {
	if err := ValidateShell(shell); err != nil {
		return nil, err
	}
	if shell == "" {
		shell = DefaultShell
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Start(shell); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell %q: %w", shell, err)
	}

	return &Terminal{Stdin: stdin, Stdout: stdout, session: session}, nil
}

// Resize changes the PTY dimensions. Requests outside the allowed bounds are
// rejected.
func (t *Terminal) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > MaxTermCols || rows > MaxTermRows {
		return fmt.Errorf("terminal size %dx%d out of range", cols, rows)
	}
	return t.session.WindowChange(int(rows), int(cols))
}

// Wait blocks until the remote shell exits.
func (t *Terminal) Wait() error {
	return t.session.Wait()
}

// Close terminates the SSH session.
func (t *Terminal) Close() error {
	return t.session.Close()
}
