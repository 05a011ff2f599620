package hosts

import (
	"context"
	"log"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/sshkeys"
	"github.com/vesselhq/vessel/internal/sshpool"
)

// Dialer adapts the registry to the pool: it turns a host id into a dialable
// target with decrypted credentials, and persists the host key fingerprint
// the pool pins on first connect.
type Dialer struct {
	reg *Registry
}

func NewDialer(reg *Registry) *Dialer {
	return &Dialer{reg: reg}
}

func (d *Dialer) DialTarget(ctx context.Context, hostID uint) (sshpool.Target, error) {
	host, err := d.reg.Get(hostID)
	if err != nil {
		return sshpool.Target{}, err
	}
	password, privateKey, passphrase, err := d.reg.Credentials(host)
	if err != nil {
		return sshpool.Target{}, err
	}
	methods, err := sshkeys.AuthMethods(password, privateKey, passphrase)
	if err != nil {
		return sshpool.Target{}, err
	}
	return sshpool.Target{
		Address:            host.Address,
		Port:               host.Port,
		Username:           host.Username,
		AuthMethods:        methods,
		HostKeyFingerprint: host.HostKeyFingerprint,
	}, nil
}

func (d *Dialer) RecordHostKey(hostID uint, fingerprint string) {
	err := database.DB.Model(&database.Host{}).
		Where("id = ?", hostID).
		Update("host_key_fingerprint", fingerprint).Error
	if err != nil {
		log.Printf("[hosts] failed to pin host key for host %d: %v", hostID, err)
		return
	}
	log.Printf("[hosts] pinned host key %s for host %d", fingerprint, hostID)
}
