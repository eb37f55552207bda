package apiclient

import (
	"sync"

	"github.com/matheus3301/finlink/internal/model"
)

// Credentials is the access/refresh token pair, plus the user it was
// issued to when the server said so.
type Credentials struct {
	AccessToken  string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	User         *model.User `json:"user,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// CredentialStore persists the credential pair between runs.
type CredentialStore interface {
	Load() (Credentials, error)
	Save(Credentials) error
	Clear() error
}

// MemoryStore keeps credentials in process memory only.
type MemoryStore struct {
	mu    sync.Mutex
	creds Credentials
}

func (m *MemoryStore) Load() (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *MemoryStore) Save(c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Save(Credentials{})
}
