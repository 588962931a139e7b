// Package credential resolves account credential references against a keyring.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"inviteflow/internal/config"
	"inviteflow/internal/model"
)

const serviceName = "inviteflow"

// Credentials for one provider account.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Resolver looks up credentials by reference.
type Resolver interface {
	Resolve(ref string) (Credentials, error)
}

// Store is a keyring-backed Resolver. Items hold JSON encoded Credentials.
type Store struct {
	ring keyring.Keyring
}

// Open opens the keyring for cfg.Backend ("file" or "secret-service").
func Open(cfg config.CredentialsConfig) (*Store, error) {
	backends := []keyring.BackendType{keyring.FileBackend}
	if cfg.Backend == "secret-service" {
		backends = []keyring.BackendType{keyring.SecretServiceBackend, keyring.FileBackend}
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:      serviceName,
		AllowedBackends:  backends,
		FileDir:          cfg.FileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(cfg.Password),
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an already open keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Resolve returns the credentials stored under ref. Unknown or empty refs
// are configuration errors.
func (s *Store) Resolve(ref string) (Credentials, error) {
	if ref == "" {
		return Credentials{}, fmt.Errorf("%w: empty credential reference", model.ErrConfiguration)
	}

	item, err := s.ring.Get(ref)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Credentials{}, fmt.Errorf("%w: credential %q not found", model.ErrConfiguration, ref)
		}
		return Credentials{}, fmt.Errorf("getting credential %q: %w", ref, err)
	}

	var creds Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: credential %q is not valid JSON", model.ErrConfiguration, ref)
	}
	return creds, nil
}

// Set stores creds under ref.
func (s *Store) Set(ref string, creds Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", ref, err)
	}
	if err := s.ring.Set(keyring.Item{Key: ref, Data: data, Label: "inviteflow " + ref}); err != nil {
		return fmt.Errorf("setting credential %q: %w", ref, err)
	}
	return nil
}

// Delete removes ref.
func (s *Store) Delete(ref string) error {
	if err := s.ring.Remove(ref); err != nil {
		return fmt.Errorf("deleting credential %q: %w", ref, err)
	}
	return nil
}
