package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
)

type scramCredential struct {
	storedKey  []byte
	serverKey  []byte
	salt       []byte
	iterations int
}

// StaticCredentialLookup is an in-memory CredentialLookup keyed by
// username, populated at startup from configuration. Grounded on the
// teacher's config-driven per-tenant credential map (config.TenantConfig),
// generalized from one backend account per tenant to many frontend
// accounts per listener.
type StaticCredentialLookup struct {
	mu    sync.RWMutex
	users map[string]scramCredential
}

// NewStaticCredentialLookup builds an empty lookup; populate it with
// AddPassword or AddDerived before serving connections.
func NewStaticCredentialLookup() *StaticCredentialLookup {
	return &StaticCredentialLookup{users: make(map[string]scramCredential)}
}

// AddPassword derives and stores SCRAM credentials for a plaintext
// password, generating a fresh random salt.
func (s *StaticCredentialLookup) AddPassword(user, password string, iterations int) error {
	if iterations <= 0 {
		iterations = DefaultSCRAMIterations
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt for %q: %w", user, err)
	}
	storedKey, serverKey := DeriveSCRAMCredentials(password, salt, iterations)
	s.AddDerived(user, storedKey, serverKey, salt, iterations)
	return nil
}

// AddDerived stores pre-derived SCRAM credentials directly, for operators
// who provision stored_key/server_key/salt out of band.
func (s *StaticCredentialLookup) AddDerived(user string, storedKey, serverKey, salt []byte, iterations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = scramCredential{storedKey: storedKey, serverKey: serverKey, salt: salt, iterations: iterations}
}

// AddBase64Derived decodes base64-encoded stored_key/server_key/salt, the
// shape a YAML config carries them in.
func (s *StaticCredentialLookup) AddBase64Derived(user, storedKeyB64, serverKeyB64, saltB64 string, iterations int) error {
	storedKey, err := base64.StdEncoding.DecodeString(storedKeyB64)
	if err != nil {
		return fmt.Errorf("decoding stored_key for %q: %w", user, err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(serverKeyB64)
	if err != nil {
		return fmt.Errorf("decoding server_key for %q: %w", user, err)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("decoding salt for %q: %w", user, err)
	}
	s.AddDerived(user, storedKey, serverKey, salt, iterations)
	return nil
}

// SCRAMCredentials implements CredentialLookup.
func (s *StaticCredentialLookup) SCRAMCredentials(user string) (storedKey, serverKey, salt []byte, iterations int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.users[user]
	if !ok {
		return nil, nil, nil, 0, fmt.Errorf("no such user %q", user)
	}
	return c.storedKey, c.serverKey, c.salt, c.iterations, nil
}
