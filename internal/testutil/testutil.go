package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
)

// Fixture identifiers and plaintext credentials.
const (
	ConfidentialClientID     = "testclient"
	ConfidentialClientSecret = "testclientsecret"
	PublicClientID           = "public-client"
	MachineClientID          = "machine-client"
	MachineClientSecret      = "machine-secret"
	RedirectURI              = "http://localhost:3030/callback"

	UserID       = "user-1"
	Username     = "testuser"
	UserPassword = "123456"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// Hasher is a fast bcrypt hasher for tests.
var Hasher = security.BcryptHasher{Cost: bcrypt.MinCost}

// MustHash hashes plaintext with Hasher or fails the test.
func MustHash(t testing.TB, plaintext string) string {
	t.Helper()
	hash, err := Hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return hash
}

// ConfidentialClient returns the client used by most flow tests. It may use
// every grant except client_credentials.
func ConfidentialClient(t testing.TB) *storage.Client {
	return &storage.Client{
		ID:               "c-1",
		ClientID:         ConfidentialClientID,
		ClientSecretHash: MustHash(t, ConfidentialClientSecret),
		ClientType:       storage.ClientTypeConfidential,
		Name:             "Test Client",
		RedirectURIs:     []string{RedirectURI},
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeImplicit,
			storage.GrantTypePassword,
			storage.GrantTypeRefreshToken,
		},
		Scopes:    []string{"read", "write"},
		CreatedAt: time.Now(),
	}
}

// PublicClient returns a secretless client limited to the browser grants.
func PublicClient() *storage.Client {
	return &storage.Client{
		ID:           "c-2",
		ClientID:     PublicClientID,
		ClientType:   storage.ClientTypePublic,
		Name:         "Public Client",
		RedirectURIs: []string{"https://app.example.com/cb", "https://app.example.com/alt"},
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeImplicit,
			storage.GrantTypeRefreshToken,
		},
		Scopes:    []string{"read"},
		CreatedAt: time.Now(),
	}
}

// MachineClient returns a confidential client for client_credentials.
func MachineClient(t testing.TB) *storage.Client {
	return &storage.Client{
		ID:               "c-3",
		ClientID:         MachineClientID,
		ClientSecretHash: MustHash(t, MachineClientSecret),
		ClientType:       storage.ClientTypeConfidential,
		Name:             "Machine Client",
		GrantTypes:       []string{storage.GrantTypeClientCredentials},
		Scopes:           []string{"read", "write", "admin"},
		CreatedAt:        time.Now(),
	}
}

// TestUser returns the resource owner fixture.
func TestUser(t testing.TB) *storage.User {
	return &storage.User{
		ID:           UserID,
		Username:     Username,
		PasswordHash: MustHash(t, UserPassword),
		Email:        "testuser@example.com",
		Name:         "Test User",
		CreatedAt:    time.Now(),
	}
}

// NewSeededStore returns a memory store holding the three client fixtures
// and the test user. The store is stopped when the test ends.
func NewSeededStore(t testing.TB) *memory.Store {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	for _, c := range []*storage.Client{ConfidentialClient(t), PublicClient(), MachineClient(t)} {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", c.ClientID, err)
		}
	}
	if err := store.CreateUser(ctx, TestUser(t)); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return store
}
