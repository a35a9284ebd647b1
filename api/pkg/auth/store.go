package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TokenStore persists the token blob between agent runs. The secure local
// store is an external collaborator; only this contract is relied on.
type TokenStore interface {
	Load() (*Tokens, error)
	Save(tokens *Tokens) error
	Clear() error
}

// FileTokenStore keeps tokens in a 0600 JSON file under the user config dir.
type FileTokenStore struct {
	path string
}

func NewFileTokenStore(path string) (*FileTokenStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".config", "cloudtolocalllm", "tokens.json")
	}
	return &FileTokenStore{path: path}, nil
}

func (s *FileTokenStore) Load() (*Tokens, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &tokens, nil
}

func (s *FileTokenStore) Save(tokens *Tokens) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create token dir: %w", err)
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

func (s *FileTokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryTokenStore is used by tests and by the static-token mode, which has
// nothing worth persisting.
type MemoryTokenStore struct {
	tokens *Tokens
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load() (*Tokens, error) {
	return s.tokens, nil
}

func (s *MemoryTokenStore) Save(tokens *Tokens) error {
	s.tokens = tokens
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.tokens = nil
	return nil
}
