// Package credentials stores share secrets and renders the files mount
// helpers read them from. Secret values are never logged.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when no secret exists for a service ID.
	ErrNotFound = errors.New("credentials: not found")
	// ErrInvalidServiceID is returned for IDs that cannot be used as file names.
	ErrInvalidServiceID = errors.New("credentials: service id must match [A-Za-z0-9._-] and not start with a dot")
	// ErrInvalidValue is returned for usernames or secrets that cannot be
	// written to a credentials file or passed as a mount option.
	ErrInvalidValue = errors.New("credentials: username and secret must not contain line breaks, NUL or commas")
)

var serviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidateServiceID checks that id is safe to use as a file name.
func ValidateServiceID(id string) error {
	if !serviceIDPattern.MatchString(id) {
		return fmt.Errorf("%q: %w", id, ErrInvalidServiceID)
	}
	return nil
}

// validatePut checks everything Put stores. A line break would end the
// credentials file entry early and a comma would split a mount option.
func validatePut(serviceID, username, secret string) error {
	if err := ValidateServiceID(serviceID); err != nil {
		return err
	}
	if strings.ContainsAny(username, "\r\n\x00,") {
		return fmt.Errorf("username: %w", ErrInvalidValue)
	}
	if strings.ContainsAny(secret, "\r\n\x00,") {
		return fmt.Errorf("secret: %w", ErrInvalidValue)
	}
	return nil
}

// Store is a key/value secret store addressed by service ID.
type Store interface {
	Put(ctx context.Context, serviceID, username, secret string) error
	Get(ctx context.Context, serviceID string) (username, secret string, err error)
	// Delete is idempotent.
	Delete(ctx context.Context, serviceID string) error
	List(ctx context.Context) ([]string, error)
}

type memoryItem struct {
	username string
	secret   string
}

// MemoryStore keeps secrets in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem)}
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, serviceID, username, secret string) error {
	if err := validatePut(serviceID, username, secret); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[serviceID] = memoryItem{username: username, secret: secret}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, serviceID string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[serviceID]
	if !ok {
		return "", "", ErrNotFound
	}
	return item.username, item.secret, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, serviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, serviceID)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SplitDomain separates DOMAIN\user or user@domain into user and domain.
func SplitDomain(username string) (user, domain string) {
	if d, u, ok := strings.Cut(username, `\`); ok {
		return u, d
	}
	if u, d, ok := strings.Cut(username, "@"); ok {
		return u, d
	}
	return username, ""
}

// RenderCIFS renders a mount.cifs credentials file body.
func RenderCIFS(username, password string) []byte {
	user, domain := SplitDomain(username)
	var b strings.Builder
	fmt.Fprintf(&b, "username=%s\npassword=%s\n", user, password)
	if domain != "" {
		fmt.Fprintf(&b, "domain=%s\n", domain)
	}
	return []byte(b.String())
}

// SensitiveOptions returns username/password mount options for a secret,
// for use where no credentials file exists.
func SensitiveOptions(username, password string) []string {
	user, domain := SplitDomain(username)
	opts := []string{"username=" + user, "password=" + password}
	if domain != "" {
		opts = append(opts, "domain="+domain)
	}
	return opts
}
