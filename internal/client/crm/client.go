package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/nmarkman/delivery-desk/internal/config"
	"github.com/nmarkman/delivery-desk/internal/models"
)

// APIError is a non-2xx vendor response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api: status %d: %s", e.StatusCode, e.Body)
}

// Client is the authenticated vendor accessor. Every call goes through the
// per-tenant rate limiter, carries a bearer token from the cache plus the
// tenant database header, and self-heals a single 401 by invalidating the
// cached token and retrying. Repeated 401s surface as a terminal APIError.
type Client struct {
	cfg     config.CRMConfig
	http    *http.Client
	tokens  *TokenCache
	limiter *RateLimiter
	store   ConnectionStore
	logger  *zap.Logger
}

func NewClient(cfg config.CRMConfig, httpClient *http.Client, tokens *TokenCache, limiter *RateLimiter, store ConnectionStore, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxAuthRetries <= 0 {
		cfg.MaxAuthRetries = 2
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		tokens:  tokens,
		limiter: limiter,
		store:   store,
		logger:  logger,
	}
}

func (c *Client) GetOpportunities(ctx context.Context, conn *models.Connection) ([]Opportunity, error) {
	body, err := c.get(ctx, conn, "/api/opportunities", 0)
	if err != nil {
		return nil, err
	}
	var items []Opportunity
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode opportunities: %w", err)
	}
	return items, nil
}

func (c *Client) GetTasks(ctx context.Context, conn *models.Connection) ([]Task, error) {
	body, err := c.get(ctx, conn, "/api/tasks", 0)
	if err != nil {
		return nil, err
	}
	var items []Task
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return items, nil
}

func (c *Client) GetOpportunityProducts(ctx context.Context, conn *models.Connection, opportunityID string) ([]Product, error) {
	path := fmt.Sprintf("/api/opportunities/%s/products", url.PathEscape(opportunityID))
	body, err := c.get(ctx, conn, path, 0)
	if err != nil {
		return nil, err
	}
	var items []Product
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return items, nil
}

// get performs one authenticated GET. At most MaxAuthRetries+1 vendor round
// trips happen per logical call.
func (c *Client) get(ctx context.Context, conn *models.Connection, path string, retryCount int) ([]byte, error) {
	if conn == nil {
		return nil, fmt.Errorf("crm: nil connection")
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, conn.TenantID); err != nil {
			return nil, err
		}
	}

	token, err := c.tokens.Get(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(conn)+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(c.cfg.DatabaseHeader, conn.Database)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		_ = c.store.AddConnectionAPICalls(ctx, conn.ID, 1)
	}

	if resp.StatusCode == http.StatusUnauthorized && retryCount < c.cfg.MaxAuthRetries {
		if c.logger != nil {
			c.logger.Debug("token rejected, retrying",
				zap.String("tenant", conn.TenantID),
				zap.String("path", path),
				zap.Int("retry", retryCount+1),
			)
		}
		c.tokens.Invalidate(conn.TenantID)
		// Drop the stale persisted copy too so Get re-authenticates instead
		// of promoting the same rejected token back into memory.
		conn.AccessToken = nil
		conn.TokenIssuedAt = nil
		conn.TokenExpiresAt = nil
		return c.get(ctx, conn, path, retryCount+1)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return body, nil
}

func (c *Client) baseURL(conn *models.Connection) string {
	if conn.BaseURL != nil && *conn.BaseURL != "" {
		return strings.TrimRight(*conn.BaseURL, "/")
	}
	return strings.TrimRight(c.cfg.BaseURL, "/")
}
