package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	secretsService = "policyrag"
	apiTokenKey    = "api_token"
)

// SecretStore is a small JSON file of generated secrets, kept next to the
// local database. Operator-supplied keys never go here; they stay in the
// environment or .env.
type SecretStore struct {
	path string
}

// NewSecretStore returns a store rooted at dataDir.
func NewSecretStore(dataDir string) *SecretStore {
	return &SecretStore{path: filepath.Join(dataDir, "secrets.json")}
}

func (s *SecretStore) Get(service, account string) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (s *SecretStore) Set(service, account, value string) error {
	var secrets map[string]map[string]string

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		// A file that does not parse is left alone rather than replaced.
		if err := json.Unmarshal(data, &secrets); err != nil {
			return fmt.Errorf("parsing secrets file %s: %w", s.path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("reading secrets file: %w", err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// GetAPIToken returns the bearer token for the local HTTP API, generating
// and persisting one on first use.
func GetAPIToken(s *SecretStore) (string, error) {
	if tok, err := s.Get(secretsService, apiTokenKey); err == nil && tok != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := s.Set(secretsService, apiTokenKey, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
