package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func authGet(t *testing.T, srv *httptest.Server, set func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/characters", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	set(req)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /characters: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestAuthMissingKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := authGet(t, srv, func(*http.Request) {})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthBadPrefix(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := authGet(t, srv, func(r *http.Request) {
		r.Header.Set("X-API-Key", "sk-openai-style-key")
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong prefix, got %d", resp.StatusCode)
	}
}

func TestAuthUnknownKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := authGet(t, srv, func(r *http.Request) {
		r.Header.Set("X-API-Key", "sk_char_ffffffffffffffffffffffffffffffff")
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown key, got %d", resp.StatusCode)
	}
}

func TestAuthRevokedKey(t *testing.T) {
	srv, store := newTestServer(t)

	if err := store.RevokeAPIKey("k1"); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	resp := authGet(t, srv, func(r *http.Request) {
		r.Header.Set("X-API-Key", testKey)
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for revoked key, got %d", resp.StatusCode)
	}
}

func TestAuthXAPIKeyHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := authGet(t, srv, func(r *http.Request) {
		r.Header.Set("X-API-Key", testKey)
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthBearerHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := authGet(t, srv, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+testKey)
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthTouchesKey(t *testing.T) {
	srv, store := newTestServer(t)

	authGet(t, srv, func(r *http.Request) {
		r.Header.Set("X-API-Key", testKey)
	})

	rec, err := store.GetAPIKeyByHash(HashKey(testKey))
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if rec.LastUsedAt.IsZero() {
		t.Error("successful auth should stamp last_used_at")
	}
}

func TestHashKeyStable(t *testing.T) {
	a := HashKey("sk_char_abc")
	b := HashKey("sk_char_abc")
	if a != b || len(a) != 64 {
		t.Errorf("unexpected digest: %q vs %q", a, b)
	}
	if HashKey("sk_char_abd") == a {
		t.Error("different keys must not collide")
	}
}
