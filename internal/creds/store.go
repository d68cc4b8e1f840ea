package creds

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/openmined/davsync/internal/utils"
)

var ErrNoCredentials = errors.New("creds: no stored credentials")

// Credentials is what gets persisted after a successful login.
// For OAuth accounts Password holds the access token.
type Credentials struct {
	User         string `json:"user"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AuthType     string `json:"auth_type"`
}

// Store keeps credentials in a JSON file readable only by the owner.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	} else if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &c, nil
}

func (s *Store) Save(c *Credentials) error {
	if err := utils.EnsureParent(s.path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
