package sshpool

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vesselhq/vessel/internal/sshkeys"
)

func TestDialSSHRequiresAuthMethods(t *testing.T) {
	_, _, err := dialSSH(context.Background(), Target{Address: "127.0.0.1", Port: 22, Username: "root"}, time.Second)
	if err == nil {
		t.Fatal("expected error for target without auth methods")
	}
	if !strings.Contains(err.Error(), "no authentication methods") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestDialSSHIntegration exercises the real transport against an sshd
// reachable via environment configuration, e.g. a throwaway container:
//
//	docker run -d -p 2222:2222 -e USER_NAME=test -e USER_PASSWORD=test \
//	    lscr.io/linuxserver/openssh-server
//	VESSEL_TEST_SSH_ADDR=127.0.0.1:2222 VESSEL_TEST_SSH_USER=test \
//	    VESSEL_TEST_SSH_PASSWORD=test go test ./internal/sshpool -run Integration
func TestDialSSHIntegration(t *testing.T) {
	addr := os.Getenv("VESSEL_TEST_SSH_ADDR")
	if addr == "" {
		t.Skip("VESSEL_TEST_SSH_ADDR not set")
	}
	user := os.Getenv("VESSEL_TEST_SSH_USER")
	password := os.Getenv("VESSEL_TEST_SSH_PASSWORD")

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad VESSEL_TEST_SSH_ADDR: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad port in VESSEL_TEST_SSH_ADDR: %v", err)
	}
	methods, err := sshkeys.AuthMethods(password, "", "")
	if err != nil {
		t.Fatalf("auth methods: %v", err)
	}

	ctx := context.Background()
	c, fingerprint, err := dialSSH(ctx, Target{
		Address:     host,
		Port:        port,
		Username:    user,
		AuthMethods: methods,
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if !strings.HasPrefix(fingerprint, "SHA256:") {
		t.Errorf("fingerprint %q", fingerprint)
	}

	res, err := c.Exec(ctx, "echo hello")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "hello") {
		t.Errorf("result %+v", res)
	}

	res, err = c.Exec(ctx, "exit 3")
	if err != nil {
		t.Fatalf("exec with non-zero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code %d, want 3", res.ExitCode)
	}

	rtt, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("round trip time %s", rtt)
	}

	if err := c.Keepalive(); err != nil {
		t.Errorf("keepalive: %v", err)
	}
}
