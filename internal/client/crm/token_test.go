package crm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nmarkman/delivery-desk/internal/config"
	"github.com/nmarkman/delivery-desk/internal/models"
)

// fakeStore records the persistence side effects of the token cache and
// client without a database.
type fakeStore struct {
	mu            sync.Mutex
	savedToken    string
	savedExpires  time.Time
	clearedTokens int
	statuses      []string
	apiCalls      int64
}

func (s *fakeStore) SaveConnectionToken(ctx context.Context, id uint64, token string, issuedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedToken = token
	s.savedExpires = expiresAt
	return nil
}

func (s *fakeStore) ClearConnectionToken(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearedTokens++
	return nil
}

func (s *fakeStore) UpdateConnectionStatus(ctx context.Context, id uint64, status string, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) AddConnectionAPICalls(ctx context.Context, id uint64, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCalls += n
	return nil
}

// plainDecrypter passes credentials through untouched.
type plainDecrypter struct{}

func (plainDecrypter) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

func testConn(baseURL string) *models.Connection {
	return &models.Connection{
		ID:                1,
		TenantID:          "tenant-a",
		Username:          "api-user",
		EncryptedPassword: "api-pass",
		Database:          "acme_db",
		BaseURL:           &baseURL,
		Active:            true,
	}
}

func testCRMConfig(baseURL string) config.CRMConfig {
	return config.CRMConfig{
		BaseURL:        baseURL,
		AuthorizePath:  "/authorize",
		DatabaseHeader: "X-CRM-Database",
		Timeout:        5 * time.Second,
		MaxAuthRetries: 2,
	}
}

func TestAuthenticateExchangesBasicCredentials(t *testing.T) {
	var gotAuth, gotDB string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/authorize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotDB = r.Header.Get("X-CRM-Database")
		w.Write([]byte("  tok-123 \n"))
	}))
	defer srv.Close()

	store := &fakeStore{}
	tc := NewTokenCache(config.TokenCacheConfig{}, testCRMConfig(srv.URL), srv.Client(), store, plainDecrypter{}, nil, nil)
	conn := testConn(srv.URL)

	token, err := tc.Authenticate(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if token != "tok-123" {
		t.Fatalf("token = %q, want trimmed raw body", token)
	}
	// Basic api-user:api-pass
	if gotAuth != "Basic YXBpLXVzZXI6YXBpLXBhc3M=" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if gotDB != "acme_db" {
		t.Fatalf("database header = %q", gotDB)
	}
	if store.savedToken != "tok-123" {
		t.Fatalf("persisted token = %q", store.savedToken)
	}
	if len(store.statuses) == 0 || store.statuses[len(store.statuses)-1] != models.ConnectionStatusConnected {
		t.Fatalf("statuses = %v, want trailing connected", store.statuses)
	}
	if conn.AccessToken == nil || *conn.AccessToken != "tok-123" {
		t.Fatalf("in-flight connection not updated: %v", conn.AccessToken)
	}
	if conn.TokenExpiresAt == nil || !conn.TokenExpiresAt.After(*conn.TokenIssuedAt) {
		t.Fatal("token expiry not set past issue time")
	}
	if store.apiCalls != 1 {
		t.Fatalf("api calls = %d, want 1", store.apiCalls)
	}
}

func TestGetReusesMemoryTokenWithinThreshold(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("tok-1"))
	}))
	defer srv.Close()

	tc := NewTokenCache(config.TokenCacheConfig{}, testCRMConfig(srv.URL), srv.Client(), &fakeStore{}, plainDecrypter{}, nil, nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base
	tc.now = func() time.Time { return now }
	conn := testConn(srv.URL)

	if _, err := tc.Get(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	now = base.Add(49 * time.Minute)
	if _, err := tc.Get(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("authorize hits = %d, want 1 (memory reuse)", hits)
	}

	// Past the refresh threshold the persisted copy is also stale here, so a
	// fresh authentication happens.
	now = base.Add(51 * time.Minute)
	if _, err := tc.Get(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	if hits != 2 {
		t.Fatalf("authorize hits = %d, want 2 after threshold", hits)
	}
}

func TestGetFallsBackToPersistedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("authorize should not be called")
	}))
	defer srv.Close()

	tc := NewTokenCache(config.TokenCacheConfig{}, testCRMConfig(srv.URL), srv.Client(), &fakeStore{}, plainDecrypter{}, nil, nil)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tc.now = func() time.Time { return now }

	conn := testConn(srv.URL)
	stored := "tok-db"
	issued := now.Add(-5 * time.Minute)
	expires := now.Add(30 * time.Minute)
	conn.AccessToken = &stored
	conn.TokenIssuedAt = &issued
	conn.TokenExpiresAt = &expires

	token, err := tc.Get(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if token != "tok-db" {
		t.Fatalf("token = %q, want persisted copy", token)
	}
}

func TestGetIgnoresPersistedTokenNearExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tok-fresh"))
	}))
	defer srv.Close()

	tc := NewTokenCache(config.TokenCacheConfig{}, testCRMConfig(srv.URL), srv.Client(), &fakeStore{}, plainDecrypter{}, nil, nil)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tc.now = func() time.Time { return now }

	conn := testConn(srv.URL)
	stored := "tok-old"
	expires := now.Add(5 * time.Minute) // inside the 10m buffer
	conn.AccessToken = &stored
	conn.TokenExpiresAt = &expires

	token, err := tc.Get(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if token != "tok-fresh" {
		t.Fatalf("token = %q, want fresh authentication", token)
	}
}

func TestAuthenticateRejectionMarksConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusForbidden)
	}))
	defer srv.Close()

	store := &fakeStore{}
	tc := NewTokenCache(config.TokenCacheConfig{}, testCRMConfig(srv.URL), srv.Client(), store, plainDecrypter{}, nil, nil)
	conn := testConn(srv.URL)

	_, err := tc.Authenticate(context.Background(), conn)
	if err == nil {
		t.Fatal("expected authentication error")
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
	if conn.Status != models.ConnectionStatusFailed {
		t.Fatalf("status = %q, want failed", conn.Status)
	}
	if store.clearedTokens != 1 {
		t.Fatalf("cleared tokens = %d, want 1", store.clearedTokens)
	}
}
