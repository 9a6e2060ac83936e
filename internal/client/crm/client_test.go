package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nmarkman/delivery-desk/internal/config"
)

// vendorStub serves /authorize plus the list endpoints and lets tests script
// how many bearer tokens get rejected before one is accepted.
type vendorStub struct {
	mu           sync.Mutex
	tokenSeq     int
	rejectTokens map[string]bool
	listHits     int
}

func (v *vendorStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		defer v.mu.Unlock()
		switch r.URL.Path {
		case "/authorize":
			v.tokenSeq++
			fmt.Fprintf(w, "tok-%d", v.tokenSeq)
		case "/api/opportunities":
			v.listHits++
			token := r.Header.Get("Authorization")
			if v.rejectTokens[token] {
				http.Error(w, "token expired", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":"opp-1","name":"Acme Retainer"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T, stub *vendorStub) (*Client, *fakeStore, *httptest.Server) {
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	store := &fakeStore{}
	crmCfg := testCRMConfig(srv.URL)
	tokens := NewTokenCache(config.TokenCacheConfig{}, crmCfg, srv.Client(), store, plainDecrypter{}, nil, nil)
	client := NewClient(crmCfg, srv.Client(), tokens, nil, store, nil)
	return client, store, srv
}

func TestGetOpportunitiesHappyPath(t *testing.T) {
	stub := &vendorStub{rejectTokens: map[string]bool{}}
	client, store, srv := newTestClient(t, stub)
	conn := testConn(srv.URL)

	items, err := client.GetOpportunities(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "opp-1" {
		t.Fatalf("items = %+v", items)
	}
	// One authorize round trip plus one list round trip.
	if store.apiCalls != 2 {
		t.Fatalf("api calls = %d, want 2", store.apiCalls)
	}
}

func TestGetRetriesOnceOnRejectedToken(t *testing.T) {
	stub := &vendorStub{rejectTokens: map[string]bool{"Bearer tok-1": true}}
	client, store, srv := newTestClient(t, stub)
	conn := testConn(srv.URL)

	items, err := client.GetOpportunities(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %+v", items)
	}
	if stub.listHits != 2 {
		t.Fatalf("list hits = %d, want rejected then accepted", stub.listHits)
	}
	if stub.tokenSeq != 2 {
		t.Fatalf("authorize calls = %d, want re-authentication after 401", stub.tokenSeq)
	}
	// authorize + 401 + authorize + 200
	if store.apiCalls != 4 {
		t.Fatalf("api calls = %d, want 4", store.apiCalls)
	}
}

func TestGetGivesUpAfterMaxAuthRetries(t *testing.T) {
	stub := &vendorStub{rejectTokens: map[string]bool{
		"Bearer tok-1": true,
		"Bearer tok-2": true,
		"Bearer tok-3": true,
		"Bearer tok-4": true,
	}}
	client, _, srv := newTestClient(t, stub)
	conn := testConn(srv.URL)

	_, err := client.GetOpportunities(context.Background(), conn)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
	// Initial attempt plus MaxAuthRetries re-attempts.
	if stub.listHits != 3 {
		t.Fatalf("list hits = %d, want 3", stub.listHits)
	}
}

func TestGetOpportunityProductsEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/authorize" {
			w.Write([]byte("tok-1"))
			return
		}
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	crmCfg := testCRMConfig(srv.URL)
	tokens := NewTokenCache(config.TokenCacheConfig{}, crmCfg, srv.Client(), &fakeStore{}, plainDecrypter{}, nil, nil)
	client := NewClient(crmCfg, srv.Client(), tokens, nil, &fakeStore{}, nil)
	conn := testConn(srv.URL)

	if _, err := client.GetOpportunityProducts(context.Background(), conn, "opp/1"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/api/opportunities/opp%2F1/products" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestClientTimeoutConfigured(t *testing.T) {
	cfg := testCRMConfig("http://example.invalid")
	cfg.Timeout = 250 * time.Millisecond
	c := NewClient(cfg, nil, nil, nil, nil, nil)
	if c.http.Timeout != 250*time.Millisecond {
		t.Fatalf("timeout = %v", c.http.Timeout)
	}
}
