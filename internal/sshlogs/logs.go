package sshlogs

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/ssh"
)

const defaultTail = 100

// SystemLogPaths are the standard locations worth offering alongside
// service logs on a typical VPS.
var SystemLogPaths = []string{
	"/var/log/syslog",
	"/var/log/auth.log",
	"/var/log/kern.log",
	"/var/log/nginx/access.log",
	"/var/log/nginx/error.log",
}

// Request selects what to stream from a host. Path wins over Unit when both
// are set; templates use that to override journal tailing with a file.
type Request struct {
	Unit   string
	Path   string
	Tail   int
	Follow bool
}

// ForService builds the stream request for a deployed service: explicit log
// path first, then the service unit, then the service type as the unit name.
func ForService(serviceType, serviceUnit, logPath string, tail int, follow bool) Request {
	r := Request{Unit: serviceUnit, Path: logPath, Tail: tail, Follow: follow}
	if r.Unit == "" {
		r.Unit = serviceType
	}
	return r
}

// Command returns the remote command the request runs.
func (r Request) Command() (string, error) {
	tail := r.Tail
	if tail <= 0 {
		tail = defaultTail
	}
	switch {
	case r.Path != "":
		cmd := fmt.Sprintf("tail -n %d", tail)
		if r.Follow {
			cmd += " -F" // follow by name, survives rotation
		}
		return cmd + " " + shellQuote(r.Path), nil
	case r.Unit != "":
		cmd := fmt.Sprintf("journalctl -u %s -n %d --no-pager -o cat", shellQuote(r.Unit), tail)
		if r.Follow {
			cmd += " -f"
		}
		return cmd, nil
	}
	return "", fmt.Errorf("nothing to stream: request names no unit and no path")
}

// Stream runs the request on the client and delivers output lines until the
// context is cancelled, the session ends, or a non-follow stream hits EOF.
// The caller must cancel the context to stop a follow stream; that closes
// the session and drains the goroutine.
func Stream(ctx context.Context, client *ssh.Client, req Request) (<-chan string, error) {
	cmd, err := req.Command()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start log stream: %w", err)
	}

	ch := make(chan string, 100)

	go func() {
		defer close(ch)
		defer session.Close()

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			// Cancellation closes the session, which surfaces here as a
			// read error; only unexpected errors are worth a log line.
			select {
			case <-ctx.Done():
			default:
				log.Printf("[sshlogs] stream ended with error: %v", err)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	return ch, nil
}

// AvailableLogFiles reports which of the candidate paths exist on the host.
// Callers assemble candidates from the host's deployed services plus
// SystemLogPaths.
func AvailableLogFiles(client *ssh.Client, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	checks := make([]string, 0, len(candidates))
	for _, path := range candidates {
		checks = append(checks, fmt.Sprintf("[ -f %s ] && echo %s", shellQuote(path), shellQuote(path)))
	}
	cmd := strings.Join(checks, "; ")

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		// The compound command exits non-zero when the last test fails;
		// stdout from the earlier tests is still complete. Only transport
		// errors matter.
		if _, ok := err.(*ssh.ExitError); !ok {
			return nil, fmt.Errorf("check log files: %w", err)
		}
	}

	var found []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			found = append(found, line)
		}
	}
	return found, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
