package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Secret holds a vault-sealed value. Sealed never leaves the process as JSON.
type Secret struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Sealed      []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveSecret inserts a secret or replaces the sealed value of the one with the same name.
func (s *Store) SaveSecret(sec *Secret) error {
	if sec.ID == "" {
		sec.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO secrets (id, name, description, sealed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			sealed = excluded.sealed,
			updated_at = CURRENT_TIMESTAMP`,
		sec.ID, sec.Name, sec.Description, sec.Sealed)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecretByName(name string) (*Secret, error) {
	sec := &Secret{}
	err := s.db.QueryRow(`
		SELECT id, name, description, sealed, created_at, updated_at
		FROM secrets WHERE name = ?`, name).
		Scan(&sec.ID, &sec.Name, &sec.Description, &sec.Sealed, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

// SealedSecret returns the sealed bytes for name, or ErrNotFound.
func (s *Store) SealedSecret(name string) ([]byte, error) {
	sec, err := s.GetSecretByName(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("secret %q: %w", name, ErrNotFound)
	}
	return sec.Sealed, nil
}

// ListSecrets returns metadata only.
func (s *Store) ListSecrets() ([]Secret, error) {
	rows, err := s.db.Query(`SELECT id, name, description, created_at, updated_at FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		var sec Secret
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Description, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(name string) error {
	res, err := s.db.Exec(`DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
