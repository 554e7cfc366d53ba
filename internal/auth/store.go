package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

// Store persists the session between launches
type Store interface {
	Save(s *Session) error
	Load() (*Session, error)
	Clear() error
}

// ServiceName is the keyring namespace
const ServiceName = "famlink"

// KeySession is the keyring item holding the JSON session
const KeySession = "account_session"

// KeyringConfig selects the keyring backend
type KeyringConfig struct {
	ServiceName string
	// Backend forces one backend ("keychain", "wincred", "secret-service",
	// "kwallet", "pass", "file"); empty lets the library choose
	Backend string
	// FileDir and FilePassword configure the encrypted file backend
	FileDir      string
	FilePassword string
}

// KeyringStore keeps the session in the OS credential store
type KeyringStore struct {
	mu   sync.Mutex
	ring keyring.Keyring
}

// OpenKeyring opens the configured keyring
func OpenKeyring(cfg KeyringConfig) (*KeyringStore, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = ServiceName
	}
	kc := keyring.Config{
		ServiceName:      cfg.ServiceName,
		PassPrefix:       cfg.ServiceName,
		WinCredPrefix:    cfg.ServiceName,
		FileDir:          cfg.FileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(cfg.FilePassword),
	}
	if cfg.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

// NewKeyringStore wraps an opened keyring
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Save implements Store
func (k *KeyringStore) Save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ring.Set(keyring.Item{
		Key:         KeySession,
		Data:        data,
		Label:       "famlink account session",
		Description: "access token for the signed-in famlink account",
	})
}

// Load implements Store
func (k *KeyringStore) Load() (*Session, error) {
	k.mu.Lock()
	item, err := k.ring.Get(KeySession)
	k.mu.Unlock()
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(item.Data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return &s, nil
}

// Clear implements Store
func (k *KeyringStore) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.ring.Remove(KeySession)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// MemoryStore keeps the session in memory only
type MemoryStore struct {
	mu      sync.Mutex
	session *Session
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s.Clone()
	return nil
}

func (m *MemoryStore) Load() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	return m.session.Clone(), nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

var (
	_ Store = (*KeyringStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
