package crm

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmarkman/delivery-desk/internal/config"
	"github.com/nmarkman/delivery-desk/internal/models"
)

// ConnectionStore is the slice of persistence the token cache and client
// need: token fallback storage, status transitions, and call accounting.
type ConnectionStore interface {
	SaveConnectionToken(ctx context.Context, id uint64, token string, issuedAt, expiresAt time.Time) error
	ClearConnectionToken(ctx context.Context, id uint64) error
	UpdateConnectionStatus(ctx context.Context, id uint64, status string, lastError *string) error
	AddConnectionAPICalls(ctx context.Context, id uint64, n int64) error
}

// Decrypter opens the stored vendor credential.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type tokenEntry struct {
	token    string
	issuedAt time.Time
}

// TokenCache keeps one bearer token per tenant in memory, falls back to the
// token persisted on the connection row, and re-authenticates only when both
// are stale. A 401 downstream invalidates the in-memory entry.
type TokenCache struct {
	cfg     config.TokenCacheConfig
	crmCfg  config.CRMConfig
	http    *http.Client
	store   ConnectionStore
	secrets Decrypter
	limiter *RateLimiter
	logger  *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	entries map[string]tokenEntry
}

func NewTokenCache(cfg config.TokenCacheConfig, crmCfg config.CRMConfig, httpClient *http.Client, store ConnectionStore, secrets Decrypter, limiter *RateLimiter, logger *zap.Logger) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: crmCfg.Timeout}
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 50 * time.Minute
	}
	if cfg.DBBuffer <= 0 {
		cfg.DBBuffer = 10 * time.Minute
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	return &TokenCache{
		cfg:     cfg,
		crmCfg:  crmCfg,
		http:    httpClient,
		store:   store,
		secrets: secrets,
		limiter: limiter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]tokenEntry),
	}
}

// Get returns a usable bearer token for the connection's tenant. Order:
// in-memory entry younger than the refresh threshold, then the persisted
// token with at least the DB buffer left before expiry, then a fresh
// authentication round trip.
func (tc *TokenCache) Get(ctx context.Context, conn *models.Connection) (string, error) {
	if tc == nil || conn == nil {
		return "", fmt.Errorf("token cache: nil connection")
	}
	now := tc.now()

	tc.mu.Lock()
	entry, ok := tc.entries[conn.TenantID]
	tc.mu.Unlock()
	if ok && now.Sub(entry.issuedAt) < tc.cfg.RefreshThreshold {
		return entry.token, nil
	}

	if conn.AccessToken != nil && *conn.AccessToken != "" &&
		conn.TokenExpiresAt != nil && now.Before(conn.TokenExpiresAt.Add(-tc.cfg.DBBuffer)) {
		issued := now
		if conn.TokenIssuedAt != nil {
			issued = *conn.TokenIssuedAt
		}
		tc.mu.Lock()
		tc.entries[conn.TenantID] = tokenEntry{token: *conn.AccessToken, issuedAt: issued}
		tc.mu.Unlock()
		return *conn.AccessToken, nil
	}

	return tc.Authenticate(ctx, conn)
}

// Invalidate drops the tenant's in-memory token. Used after a 401.
func (tc *TokenCache) Invalidate(tenantID string) {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	delete(tc.entries, tenantID)
	tc.mu.Unlock()
}

// Authenticate exchanges the connection's Basic credentials for a bearer
// token at the vendor authorize endpoint and caches it in memory and on the
// connection row. Authentication failures set the connection status to
// "failed" (HTTP rejection) or "error" (transport) with the raw message.
func (tc *TokenCache) Authenticate(ctx context.Context, conn *models.Connection) (string, error) {
	if tc.limiter != nil {
		if err := tc.limiter.Acquire(ctx, conn.TenantID); err != nil {
			return "", err
		}
	}

	password := conn.EncryptedPassword
	if tc.secrets != nil {
		plain, err := tc.secrets.Decrypt(conn.EncryptedPassword)
		if err != nil {
			tc.markFailed(ctx, conn, models.ConnectionStatusError, "credential decrypt failed: "+err.Error())
			return "", fmt.Errorf("decrypt credentials: %w", err)
		}
		password = plain
	}

	authURL := tc.baseURL(conn) + tc.crmCfg.AuthorizePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(conn.Username + ":" + password))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set(tc.crmCfg.DatabaseHeader, conn.Database)

	resp, err := tc.http.Do(req)
	if err != nil {
		tc.markFailed(ctx, conn, models.ConnectionStatusError, err.Error())
		return "", fmt.Errorf("authorize request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		tc.markFailed(ctx, conn, models.ConnectionStatusError, err.Error())
		return "", err
	}
	if tc.store != nil {
		_ = tc.store.AddConnectionAPICalls(ctx, conn.ID, 1)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		tc.markFailed(ctx, conn, models.ConnectionStatusFailed, apiErr.Error())
		return "", apiErr
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: "empty token"}
		tc.markFailed(ctx, conn, models.ConnectionStatusFailed, apiErr.Error())
		return "", apiErr
	}

	now := tc.now()
	expires := now.Add(tc.cfg.DefaultTTL)
	tc.mu.Lock()
	tc.entries[conn.TenantID] = tokenEntry{token: token, issuedAt: now}
	tc.mu.Unlock()

	if tc.store != nil {
		if err := tc.store.SaveConnectionToken(ctx, conn.ID, token, now, expires); err != nil && tc.logger != nil {
			tc.logger.Warn("persist token failed", zap.String("tenant", conn.TenantID), zap.Error(err))
		}
		_ = tc.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionStatusConnected, nil)
	}
	// Keep the in-flight copy current so later calls on the same run reuse
	// the fresh token without a re-read.
	conn.AccessToken = &token
	conn.TokenIssuedAt = &now
	conn.TokenExpiresAt = &expires
	conn.Status = models.ConnectionStatusConnected
	conn.LastError = nil

	return token, nil
}

func (tc *TokenCache) markFailed(ctx context.Context, conn *models.Connection, status, message string) {
	tc.Invalidate(conn.TenantID)
	conn.Status = status
	conn.LastError = &message
	if tc.store != nil {
		_ = tc.store.UpdateConnectionStatus(ctx, conn.ID, status, &message)
		_ = tc.store.ClearConnectionToken(ctx, conn.ID)
	}
	if tc.logger != nil {
		tc.logger.Warn("vendor authentication failed",
			zap.String("tenant", conn.TenantID),
			zap.String("status", status),
			zap.String("error", message),
		)
	}
}

func (tc *TokenCache) baseURL(conn *models.Connection) string {
	if conn.BaseURL != nil && *conn.BaseURL != "" {
		return strings.TrimRight(*conn.BaseURL, "/")
	}
	return strings.TrimRight(tc.crmCfg.BaseURL, "/")
}
