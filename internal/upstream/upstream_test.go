package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseWWWAuthenticate(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`
	ch, err := parseWWWAuthenticate(header)
	if err != nil {
		t.Fatalf("parseWWWAuthenticate: %v", err)
	}
	if ch.realm != "https://auth.docker.io/token" {
		t.Errorf("realm = %q", ch.realm)
	}
	if ch.service != "registry.docker.io" {
		t.Errorf("service = %q", ch.service)
	}
	if ch.scope != "repository:library/nginx:pull" {
		t.Errorf("scope = %q", ch.scope)
	}
}

func TestParseWWWAuthenticateLowercase(t *testing.T) {
	header := `bearer realm="https://auth.example.com/token",service="example.com"`
	ch, err := parseWWWAuthenticate(header)
	if err != nil {
		t.Fatalf("parseWWWAuthenticate: %v", err)
	}
	if ch.realm != "https://auth.example.com/token" {
		t.Errorf("realm = %q", ch.realm)
	}
}

func TestParseWWWAuthenticateRejectsNonBearer(t *testing.T) {
	if _, err := parseWWWAuthenticate(`Basic realm="x"`); err == nil {
		t.Fatal("expected error for non-Bearer challenge")
	}
}

func TestDoWithAuthNegotiatesAndRetries(t *testing.T) {
	tokenCalls := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"abc123"}`))
	}))
	defer tokenSrv.Close()

	registryCalls := 0
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registryCalls++
		if r.Header.Get("Authorization") != "Bearer abc123" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="test",scope="repository:library/nginx:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer registrySrv.Close()

	client := NewClient(nil)
	req, _ := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/library/nginx/manifests/latest", nil)
	resp, err := client.DoWithAuth(context.Background(), req)
	if err != nil {
		t.Fatalf("DoWithAuth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("final status = %d, want 200", resp.StatusCode)
	}
	if registryCalls != 2 {
		t.Errorf("registry called %d times, want 2", registryCalls)
	}
	if tokenCalls != 1 {
		t.Errorf("token service called %d times, want 1", tokenCalls)
	}

	// Second request should reuse the cached token without hitting the
	// token service again.
	req2, _ := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/library/nginx/manifests/latest", nil)
	resp2, err := client.DoWithAuth(context.Background(), req2)
	if err != nil {
		t.Fatalf("DoWithAuth (2nd): %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("2nd status = %d, want 200", resp2.StatusCode)
	}
	if tokenCalls != 1 {
		t.Errorf("token service called %d times after 2nd request, want 1", tokenCalls)
	}
}
