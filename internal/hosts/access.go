package hosts

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/vesselhq/vessel/internal/crypto"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/sshkeys"
	"github.com/vesselhq/vessel/internal/sshpool"
)

const connectTimeout = 15 * time.Second

// Access runs commands on hosts. Regular commands go through the pooled
// connection; Dial and the signer probe open dedicated connections, since
// interactive sessions held for minutes would starve the pool and the probe
// must authenticate with the candidate key alone.
type Access struct {
	reg  *Registry
	pool *sshpool.Pool
}

func NewAccess(reg *Registry, pool *sshpool.Pool) *Access {
	return &Access{reg: reg, pool: pool}
}

func (a *Access) RunCommand(ctx context.Context, hostID uint, command string) (stdout, stderr string, exitCode int, err error) {
	handle, err := a.pool.Acquire(ctx, hostID)
	if err != nil {
		return "", "", -1, err
	}
	defer handle.Release()

	res, err := handle.Run(ctx, command)
	if res != nil {
		// A non-zero exit comes back alongside the result; the caller
		// inspects the code itself.
		return res.Stdout, res.Stderr, res.ExitCode, nil
	}
	return "", "", -1, err
}

// Dial opens a dedicated connection with the host's stored credentials for
// interactive use: log tailing, terminals. The caller closes the client.
func (a *Access) Dial(ctx context.Context, hostID uint) (*ssh.Client, error) {
	host, err := a.reg.Get(hostID)
	if err != nil {
		return nil, err
	}
	password, privateKey, passphrase, err := a.reg.Credentials(host)
	if err != nil {
		return nil, err
	}
	methods, err := sshkeys.AuthMethods(password, privateKey, passphrase)
	if err != nil {
		return nil, err
	}
	return a.connect(ctx, host, methods)
}

func (a *Access) TestSigner(ctx context.Context, hostID uint, signer ssh.Signer) error {
	host, err := a.reg.Get(hostID)
	if err != nil {
		return err
	}
	client, err := a.connect(ctx, host, []ssh.AuthMethod{ssh.PublicKeys(signer)})
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()
	if err := session.Run("true"); err != nil {
		return fmt.Errorf("probe command: %w", err)
	}
	return nil
}

func (a *Access) connect(ctx context.Context, host *database.Host, methods []ssh.AuthMethod) (*ssh.Client, error) {
	callback, _ := sshkeys.MakeHostKeyCallback(host.HostKeyFingerprint)
	cfg := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host.Address, host.Port)
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	var d net.Dialer
	socket, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(socket, addr, cfg)
	if err != nil {
		socket.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (a *Access) ReplaceKeyCredential(hostID uint, privateKeyPEM string) error {
	enc, err := crypto.Encrypt(privateKeyPEM)
	if err != nil {
		return fmt.Errorf("encrypt rotated key: %w", err)
	}
	updates := map[string]interface{}{
		"auth_method":    database.AuthKey,
		"private_key":    enc,
		"password":       "",
		"key_passphrase": "",
	}
	return database.DB.Model(&database.Host{}).Where("id = ?", hostID).Updates(updates).Error
}
