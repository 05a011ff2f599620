package hosts

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesselhq/vessel/internal/crypto"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/errdefs"
	"github.com/vesselhq/vessel/internal/sshkeys"
)

// setupTestDB migrates the host and settings tables; settings hold the
// fernet key the credential encryption creates on first use.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.Host{}, &database.Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prev })
}

func validCreate() CreateRequest {
	return CreateRequest{
		Name:     "vps-1",
		Address:  "203.0.113.10",
		Port:     2222,
		Username: "root",
		Password: "hunter2",
	}
}

func TestCreateValidation(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing name", func(r *CreateRequest) { r.Name = "" }},
		{"missing address", func(r *CreateRequest) { r.Address = "" }},
		{"missing username", func(r *CreateRequest) { r.Username = "" }},
		{"port too large", func(r *CreateRequest) { r.Port = 70000 }},
		{"no credential", func(r *CreateRequest) { r.Password = "" }},
		{"both credentials", func(r *CreateRequest) { r.PrivateKey = "fake" }},
		{"passphrase without key", func(r *CreateRequest) {
			r.KeyPassphrase = "secret"
		}},
		{"unparseable key", func(r *CreateRequest) {
			r.Password = ""
			r.PrivateKey = "not a pem"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreate()
			tt.mutate(&req)
			_, err := reg.Create(req)
			if !errdefs.IsValidation(err) {
				t.Errorf("Create = %v, want validation error", err)
			}
		})
	}
}

func TestCreateEncryptsPassword(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	host, err := reg.Create(validCreate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if host.AuthMethod != database.AuthPassword {
		t.Errorf("AuthMethod = %q, want password", host.AuthMethod)
	}

	var raw database.Host
	if err := database.DB.First(&raw, host.ID).Error; err != nil {
		t.Fatalf("reload host: %v", err)
	}
	if raw.Password == "" || raw.Password == "hunter2" {
		t.Errorf("password stored in the clear or missing: %q", raw.Password)
	}

	password, key, passphrase, err := reg.Credentials(&raw)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if password != "hunter2" || key != "" || passphrase != "" {
		t.Errorf("decrypted credentials = %q/%q/%q", password, key, passphrase)
	}
}

func TestCreateWithPrivateKey(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	_, pem, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	req := validCreate()
	req.Password = ""
	req.PrivateKey = string(pem)
	host, err := reg.Create(req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if host.AuthMethod != database.AuthKey {
		t.Errorf("AuthMethod = %q, want key", host.AuthMethod)
	}

	_, decrypted, _, err := reg.Credentials(host)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if decrypted != string(pem) {
		t.Error("private key did not round-trip through encryption")
	}
}

func TestCreateDefaultsPort(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	req := validCreate()
	req.Port = 0
	host, err := reg.Create(req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if host.Port != 22 {
		t.Errorf("Port = %d, want 22", host.Port)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	if _, err := reg.Create(validCreate()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := reg.Create(validCreate())
	if !errdefs.IsValidation(err) {
		t.Errorf("duplicate Create = %v, want validation error", err)
	}
}

func TestUpdateCredentialSwapsForm(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	host, err := reg.Create(validCreate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, pem, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if _, err := reg.UpdateCredential(host.ID, CredentialRequest{PrivateKey: string(pem)}); err != nil {
		t.Fatalf("UpdateCredential: %v", err)
	}

	var raw database.Host
	if err := database.DB.First(&raw, host.ID).Error; err != nil {
		t.Fatalf("reload host: %v", err)
	}
	if raw.AuthMethod != database.AuthKey {
		t.Errorf("AuthMethod = %q, want key", raw.AuthMethod)
	}
	if raw.Password != "" {
		t.Error("old password ciphertext not cleared")
	}
	if raw.Address != host.Address || raw.Username != host.Username {
		t.Error("identity fields changed by credential update")
	}
}

func TestDeleteFiresHooks(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	host, err := reg.Create(validCreate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var got []uint
	reg.OnDeleted(func(id uint) { got = append(got, id) })
	reg.OnDeleted(func(id uint) { got = append(got, id+100) })

	if err := reg.Delete(host.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(got) != 2 || got[0] != host.ID || got[1] != host.ID+100 {
		t.Errorf("hooks fired with %v", got)
	}
	if _, err := reg.Get(host.ID); err == nil {
		t.Error("host still loadable after delete")
	}
}

func TestCreateSandboxMarksRow(t *testing.T) {
	setupTestDB(t)
	reg := NewRegistry()

	host, err := reg.CreateSandbox(validCreate(), "abc123")
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	var raw database.Host
	if err := database.DB.First(&raw, host.ID).Error; err != nil {
		t.Fatalf("reload host: %v", err)
	}
	if !raw.Sandbox || raw.SandboxContainer != "abc123" {
		t.Errorf("sandbox columns = %v/%q", raw.Sandbox, raw.SandboxContainer)
	}
}

func TestMaskNeverRevealsWholeSecret(t *testing.T) {
	if got := crypto.Mask("hunter2"); got != "****ter2" {
		t.Errorf("Mask = %q", got)
	}
	if got := crypto.Mask("ab"); got != "****" {
		t.Errorf("Mask short = %q", got)
	}
}
