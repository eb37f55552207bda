package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/finlink/internal/apiclient"
	"github.com/matheus3301/finlink/internal/vault"
)

var credentialsAD = []byte("finlink/credentials/v1")

// CredentialStore keeps the token pair sealed by a vault in the
// credentials table. It implements apiclient.CredentialStore.
type CredentialStore struct {
	db    *DB
	vault *vault.Vault
}

func NewCredentialStore(db *DB, v *vault.Vault) *CredentialStore {
	return &CredentialStore{db: db, vault: v}
}

var _ apiclient.CredentialStore = (*CredentialStore)(nil)

// Load returns the empty pair when nothing is stored.
func (s *CredentialStore) Load() (apiclient.Credentials, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT sealed FROM credentials WHERE id = 1`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return apiclient.Credentials{}, nil
	}
	if err != nil {
		return apiclient.Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	plain, err := s.vault.Open(sealed, credentialsAD)
	if err != nil {
		return apiclient.Credentials{}, err
	}
	var c apiclient.Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return apiclient.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}

func (s *CredentialStore) Save(c apiclient.Credentials) error {
	if c.Empty() {
		return s.Clear()
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}
	sealed, err := s.vault.Seal(plain, credentialsAD)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO credentials (id, sealed, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		sealed, time.Now().UnixMilli())
	return err
}

func (s *CredentialStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM credentials`)
	return err
}
