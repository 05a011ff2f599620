// Package hosts is the registry of managed remote machines. It owns host
// validation, credential encryption at rest, and the deletion hook that lets
// the pool and the task orchestrator react when a host disappears.
package hosts

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/vesselhq/vessel/internal/crypto"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/sshkeys"
)

// CreateRequest carries the fields of a new host. Exactly one credential form
// must be present: a password, or a private key with optional passphrase.
type CreateRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=64"`
	Address  string `json:"address" validate:"required,min=1"`
	Port     int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" validate:"required,min=1"`

	Password      string `json:"password,omitempty"`
	PrivateKey    string `json:"private_key,omitempty"`
	KeyPassphrase string `json:"key_passphrase,omitempty"`
}

// CredentialRequest replaces a host's credential. Same exactly-one rule as
// CreateRequest; identity fields cannot be changed after creation.
type CredentialRequest struct {
	Password      string `json:"password,omitempty"`
	PrivateKey    string `json:"private_key,omitempty"`
	KeyPassphrase string `json:"key_passphrase,omitempty"`
}

// Registry provides host CRUD over the database with encrypted credentials.
type Registry struct {
	validate *validator.Validate

	mu        sync.RWMutex
	onDeleted []func(hostID uint)
}

func NewRegistry() *Registry {
	return &Registry{validate: validator.New()}
}

// OnDeleted registers a callback fired after a host row is removed. Main
// wires the pool (evict the connection) and the orchestrator (cancel
// in-flight tasks) here. Callbacks run synchronously on the deleting call.
func (r *Registry) OnDeleted(fn func(hostID uint)) {
	r.mu.Lock()
	r.onDeleted = append(r.onDeleted, fn)
	r.mu.Unlock()
}

func checkCredentialForm(password, privateKey, passphrase string) error {
	if password == "" && privateKey == "" {
		return errdefs.Validationf("credentials", "either password or private_key is required")
	}
	if password != "" && privateKey != "" {
		return errdefs.Validationf("credentials", "password and private_key are mutually exclusive")
	}
	if passphrase != "" && privateKey == "" {
		return errdefs.Validationf("key_passphrase", "only valid together with private_key")
	}
	return nil
}

// fieldError converts the first validator failure into the shared taxonomy.
func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		field := toSnakeCase(e.Field())
		switch e.Tag() {
		case "required":
			return errdefs.Validationf(field, "is required")
		case "min", "max":
			return errdefs.Validationf(field, "must be between the allowed bounds (%s=%s)", e.Tag(), e.Param())
		default:
			return errdefs.Validationf(field, "failed %s validation", e.Tag())
		}
	}
	return errdefs.Validationf("", "%v", err)
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteByte(byte(r + 'a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Create validates and stores a new host. The credential is encrypted before
// it touches the database.
func (r *Registry) Create(req CreateRequest) (*database.Host, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, fieldError(err)
	}
	if err := checkCredentialForm(req.Password, req.PrivateKey, req.KeyPassphrase); err != nil {
		return nil, err
	}
	if req.Port == 0 {
		req.Port = 22
	}

	var count int64
	database.DB.Model(&database.Host{}).Where("name = ?", req.Name).Count(&count)
	if count > 0 {
		return nil, errdefs.Validationf("name", "a host named %q already exists", req.Name)
	}

	host := &database.Host{
		Name:     req.Name,
		Address:  req.Address,
		Port:     req.Port,
		Username: req.Username,
	}
	if err := r.applyCredential(host, req.Password, req.PrivateKey, req.KeyPassphrase); err != nil {
		return nil, err
	}

	if err := database.DB.Create(host).Error; err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	log.Printf("[hosts] created host %d (%s@%s:%d)", host.ID, host.Username, host.Address, host.Port)
	return host, nil
}

func (r *Registry) applyCredential(host *database.Host, password, privateKey, passphrase string) error {
	if privateKey != "" {
		if _, err := sshkeys.ParsePrivateKey([]byte(privateKey), passphrase); err != nil {
			return errdefs.Validationf("private_key", "%v", err)
		}
	}
	encrypt := func(field, value string) (string, error) {
		if value == "" {
			return "", nil
		}
		enc, err := crypto.Encrypt(value)
		if err != nil {
			return "", fmt.Errorf("encrypt %s: %w", field, err)
		}
		return enc, nil
	}

	var err error
	if host.Password, err = encrypt("password", password); err != nil {
		return err
	}
	if host.PrivateKey, err = encrypt("private_key", privateKey); err != nil {
		return err
	}
	if host.KeyPassphrase, err = encrypt("key_passphrase", passphrase); err != nil {
		return err
	}
	if privateKey != "" {
		host.AuthMethod = database.AuthKey
	} else {
		host.AuthMethod = database.AuthPassword
	}
	return nil
}

// CreateSandbox registers a disposable container-backed host. Identical to
// Create except the row is flagged as a sandbox and remembers its container
// id for teardown.
func (r *Registry) CreateSandbox(req CreateRequest, containerID string) (*database.Host, error) {
	host, err := r.Create(req)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"sandbox": true, "sandbox_container": containerID}
	if err := database.DB.Model(host).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("mark host %d as sandbox: %w", host.ID, err)
	}
	host.Sandbox = true
	host.SandboxContainer = containerID
	return host, nil
}

// Get loads one host by id.
func (r *Registry) Get(hostID uint) (*database.Host, error) {
	var host database.Host
	if err := database.DB.First(&host, hostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("host %d not found", hostID)
		}
		return nil, fmt.Errorf("load host %d: %w", hostID, err)
	}
	return &host, nil
}

// List returns all hosts ordered by name.
func (r *Registry) List() ([]database.Host, error) {
	var hosts []database.Host
	if err := database.DB.Order("name").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return hosts, nil
}

// UpdateCredential swaps a host's credential. Identity fields stay as they
// are; there is deliberately no way to repoint a host at another address.
func (r *Registry) UpdateCredential(hostID uint, req CredentialRequest) (*database.Host, error) {
	if err := checkCredentialForm(req.Password, req.PrivateKey, req.KeyPassphrase); err != nil {
		return nil, err
	}
	host, err := r.Get(hostID)
	if err != nil {
		return nil, err
	}
	if err := r.applyCredential(host, req.Password, req.PrivateKey, req.KeyPassphrase); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"auth_method":    host.AuthMethod,
		"password":       host.Password,
		"private_key":    host.PrivateKey,
		"key_passphrase": host.KeyPassphrase,
	}
	if err := database.DB.Model(host).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update credential for host %d: %w", hostID, err)
	}
	log.Printf("[hosts] replaced credential for host %d (%s auth)", hostID, host.AuthMethod)
	return host, nil
}

// Delete removes a host and fires the deletion hooks. Task history and audit
// rows for the host are kept; they reference the id, not the row.
func (r *Registry) Delete(hostID uint) error {
	host, err := r.Get(hostID)
	if err != nil {
		return err
	}
	if err := database.DB.Delete(host).Error; err != nil {
		return fmt.Errorf("delete host %d: %w", hostID, err)
	}
	log.Printf("[hosts] deleted host %d (%s)", hostID, host.Name)

	r.mu.RLock()
	hooks := make([]func(uint), len(r.onDeleted))
	copy(hooks, r.onDeleted)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(hostID)
	}
	return nil
}

// Credentials returns the decrypted credential triple for a host.
func (r *Registry) Credentials(host *database.Host) (password, privateKey, passphrase string, err error) {
	if password, err = crypto.Decrypt(host.Password); err != nil {
		return "", "", "", fmt.Errorf("decrypt password for host %d: %w", host.ID, err)
	}
	if privateKey, err = crypto.Decrypt(host.PrivateKey); err != nil {
		return "", "", "", fmt.Errorf("decrypt private key for host %d: %w", host.ID, err)
	}
	if passphrase, err = crypto.Decrypt(host.KeyPassphrase); err != nil {
		return "", "", "", fmt.Errorf("decrypt passphrase for host %d: %w", host.ID, err)
	}
	return password, privateKey, passphrase, nil
}
