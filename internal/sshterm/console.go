package sshterm

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/vesselhq/vessel/internal/sshaudit"
)

// Console is one live terminal to a host. It owns the dedicated SSH
// connection it runs on; closing the console closes both.
type Console struct {
	ID        string
	HostID    uint
	Shell     string
	StartedAt time.Time

	Term *Terminal

	client    *ssh.Client
	closeOnce sync.Once
	done      chan struct{}
}

// Done is closed when the console has been torn down, whichever side ended
// it first.
func (c *Console) Done() <-chan struct{} {
	return c.done
}

func (c *Console) close() {
	c.closeOnce.Do(func() {
		c.Term.Close()
		c.client.Close()
		close(c.done)
		sshaudit.RecordCommand(c.HostID, "", "[interactive console]", 0, time.Since(c.StartedAt).Milliseconds())
		log.Printf("[sshterm] console %s to host %d closed after %s", c.ID, c.HostID, time.Since(c.StartedAt).Round(time.Second))
	})
}

// ConsoleInfo is the listing view of a console.
type ConsoleInfo struct {
	ID        string    `json:"id"`
	HostID    uint      `json:"host_id"`
	Shell     string    `json:"shell"`
	StartedAt time.Time `json:"started_at"`
}

// Manager tracks live consoles so they can be listed, closed individually,
// and torn down when their host is deleted.
type Manager struct {
	mu       sync.RWMutex
	consoles map[string]*Console
}

func NewManager() *Manager {
	return &Manager{consoles: make(map[string]*Console)}
}

// Open starts a shell console on the client and registers it. The client is
// owned by the console from here on; when the remote shell exits on its own
// the console cleans itself up.
func (m *Manager) Open(client *ssh.Client, hostID uint, shell string) (*Console, error) {
	term, err := Open(client, shell)
	if err != nil {
		return nil, err
	}
	if shell == "" {
		shell = DefaultShell
	}

	c := &Console{
		ID:        uuid.New().String(),
		HostID:    hostID,
		Shell:     shell,
		StartedAt: time.Now(),
		Term:      term,
		client:    client,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.consoles[c.ID] = c
	m.mu.Unlock()

	go func() {
		term.Wait()
		m.Close(c.ID)
	}()

	log.Printf("[sshterm] opened console %s to host %d (%s)", c.ID, hostID, shell)
	return c, nil
}

// Get returns the console, or nil.
func (m *Manager) Get(id string) *Console {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consoles[id]
}

// List returns the consoles for a host; hostID 0 lists all.
func (m *Manager) List(hostID uint) []ConsoleInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConsoleInfo, 0, len(m.consoles))
	for _, c := range m.consoles {
		if hostID != 0 && c.HostID != hostID {
			continue
		}
		out = append(out, ConsoleInfo{ID: c.ID, HostID: c.HostID, Shell: c.Shell, StartedAt: c.StartedAt})
	}
	return out
}

// Close tears down one console. Closing an unknown id is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	c, ok := m.consoles[id]
	delete(m.consoles, id)
	m.mu.Unlock()
	if ok {
		c.close()
	}
}

// CloseAllForHost tears down every console to the host. The host-deletion
// hook calls this.
func (m *Manager) CloseAllForHost(hostID uint) {
	m.mu.Lock()
	var toClose []*Console
	for id, c := range m.consoles {
		if c.HostID == hostID {
			toClose = append(toClose, c)
			delete(m.consoles, id)
		}
	}
	m.mu.Unlock()
	for _, c := range toClose {
		c.close()
	}
}

// Count returns the number of live consoles.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.consoles)
}
