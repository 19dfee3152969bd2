package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	testClientID = "client-a"
	testUserID   = "user-1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_ClientCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     testClientID,
		ClientType:   storage.ClientTypePublic,
		RedirectURIs: []string{"https://app.example.com/cb"},
		GrantTypes:   []string{storage.GrantTypeAuthorizationCode},
		Scopes:       []string{"read"},
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	// stored copy must not alias the caller's slices
	client.Scopes[0] = "mutated"

	got, err := s.GetClient(ctx, testClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.Scopes[0] != "read" {
		t.Errorf("Scopes[0] = %q, want read", got.Scopes[0])
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("len(ListClients()) = %d, want 1", len(clients))
	}

	if err := s.DeleteClient(ctx, testClientID); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := s.GetClient(ctx, testClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}
	if err := s.DeleteClient(ctx, testClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("DeleteClient() twice error = %v, want ErrClientNotFound", err)
	}
}

// ============================================================
// UserStore Tests
// ============================================================

func TestStore_Users(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &storage.User{ID: testUserID, Username: "alice", PasswordHash: "hash"}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	dup := &storage.User{ID: "user-2", Username: "alice"}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, storage.ErrUserExists) {
		t.Errorf("CreateUser(duplicate username) error = %v, want ErrUserExists", err)
	}

	got, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername() error = %v", err)
	}
	if got.ID != testUserID {
		t.Errorf("ID = %q, want %q", got.ID, testUserID)
	}

	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUser(missing) error = %v, want ErrUserNotFound", err)
	}

	if err := s.UpdateUser(ctx, &storage.User{ID: testUserID, Username: "mallory", PasswordHash: "hash-2", Email: "a@example.com"}); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	got, err = s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername() after update error = %v", err)
	}
	if got.PasswordHash != "hash-2" || got.Email != "a@example.com" || got.Username != "alice" {
		t.Errorf("updated user = %+v, want new hash and email under the old username", got)
	}
	if err := s.UpdateUser(ctx, &storage.User{ID: "missing"}); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("UpdateUser(missing) error = %v, want ErrUserNotFound", err)
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "code-1",
		UserID:    testUserID,
		ClientID:  testClientID,
		Scopes:    []string{"read"},
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "code-1", "other-client"); !errors.Is(err, storage.ErrClientMismatch) {
		t.Fatalf("Consume(other client) error = %v, want ErrClientMismatch", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "code-1", testClientID)
	if err != nil {
		t.Fatalf("Consume() error = %v (mismatch must not delete the code)", err)
	}
	if got.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", got.UserID, testUserID)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "code-1", testClientID); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("second Consume() error = %v, want ErrCodeNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "race",
		ClientID:  testClientID,
		ExpiresAt: time.Now().Add(time.Minute),
	})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "race", testClientID); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful consumers = %d, want 1", got)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestStore_AccessTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &storage.AccessToken{
		Token:     "at-1",
		UserID:    testUserID,
		ClientID:  testClientID,
		Scopes:    []string{"read"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveAccessToken(ctx, tok); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	if _, err := s.GetAccessToken(ctx, "at-1"); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	deleted, err := s.DeleteAccessToken(ctx, "at-1", "other-client")
	if err != nil || deleted {
		t.Fatalf("DeleteAccessToken(other client) = %v, %v; want false, nil", deleted, err)
	}

	deleted, err = s.DeleteAccessToken(ctx, "at-1", testClientID)
	if err != nil || !deleted {
		t.Fatalf("DeleteAccessToken() = %v, %v; want true, nil", deleted, err)
	}

	if _, err := s.GetAccessToken(ctx, "at-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetAccessToken() after delete error = %v, want ErrTokenNotFound", err)
	}
}

func TestStore_ConsumeRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:     "rt-1",
		UserID:    testUserID,
		ClientID:  testClientID,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	if _, err := s.ConsumeRefreshToken(ctx, "rt-1", "other-client"); !errors.Is(err, storage.ErrClientMismatch) {
		t.Fatalf("Consume(other client) error = %v, want ErrClientMismatch", err)
	}
	if _, err := s.ConsumeRefreshToken(ctx, "rt-1", testClientID); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if _, err := s.ConsumeRefreshToken(ctx, "rt-1", testClientID); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second Consume() error = %v, want ErrTokenNotFound", err)
	}
}

// ============================================================
// TokenRevocationStore Tests
// ============================================================

func TestStore_RevokeAllTokensForUserClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for i := 0; i < 2; i++ {
		_ = s.SaveAccessToken(ctx, &storage.AccessToken{Token: fmt.Sprintf("at-%d", i), UserID: testUserID, ClientID: testClientID, ExpiresAt: exp})
	}
	_ = s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt", UserID: testUserID, ClientID: testClientID, ExpiresAt: exp})
	_ = s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "code", UserID: testUserID, ClientID: testClientID, ExpiresAt: exp})
	// unrelated grants survive
	_ = s.SaveAccessToken(ctx, &storage.AccessToken{Token: "other-client", UserID: testUserID, ClientID: "client-b", ExpiresAt: exp})
	_ = s.SaveAccessToken(ctx, &storage.AccessToken{Token: "other-user", UserID: "user-2", ClientID: testClientID, ExpiresAt: exp})

	n, err := s.RevokeAllTokensForUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("RevokeAllTokensForUserClient() error = %v", err)
	}
	if n != 4 {
		t.Errorf("revoked = %d, want 4", n)
	}

	tokens, err := s.ListAccessTokensForUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("ListAccessTokensForUser() error = %v", err)
	}
	if len(tokens) != 1 || tokens[0].Token != "other-client" {
		t.Errorf("remaining tokens = %+v, want only other-client", tokens)
	}
	if _, err := s.GetAccessToken(ctx, "other-user"); err != nil {
		t.Errorf("other user's token was removed: %v", err)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_PurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_ = s.SaveAccessToken(ctx, &storage.AccessToken{Token: "expired", ClientID: testClientID, ExpiresAt: now})
	_ = s.SaveAccessToken(ctx, &storage.AccessToken{Token: "live", ClientID: testClientID, ExpiresAt: now.Add(time.Second)})
	_ = s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt", ClientID: testClientID, ExpiresAt: now.Add(-time.Hour)})
	_ = s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "c", ClientID: testClientID, ExpiresAt: now.Add(-time.Minute)})

	if got := s.PurgeExpired(); got != 3 {
		t.Errorf("PurgeExpired() = %d, want 3", got)
	}
	if _, err := s.GetAccessToken(ctx, "live"); err != nil {
		t.Errorf("live token was purged: %v", err)
	}
}

func TestStore_SetInstrumentationWhileServing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(ctx) }()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = s.GetClient(ctx, testClientID)
				}
			}
		}()
	}
	s.SetInstrumentation(inst)
	s.SetInstrumentation(nil)
	s.SetInstrumentation(inst)
	close(stop)
	wg.Wait()

	_, _ = s.GetClient(ctx, testClientID)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "oauth.storage.operations.total" {
				found = true
			}
		}
	}
	if !found {
		t.Error("storage operations were not recorded after SetInstrumentation")
	}
}

func TestStore_StopTwice(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}
