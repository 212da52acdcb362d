package middleware

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func serve(origins []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(method, "/api/interviews", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	rec := serve([]string{"https://app.example.com"}, http.MethodGet, "https://app.example.com")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials for explicit origin")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCORSWildcardHasNoCredentials(t *testing.T) {
	rec := serve([]string{"*"}, http.MethodGet, "https://evil.example")
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://evil.example" {
		t.Fatal("expected wildcard to echo origin")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("wildcard must not allow credentials")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	rec := serve([]string{"https://app.example.com"}, http.MethodGet, "https://other.example")
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be allowed")
	}
}

func TestCORSPreflight(t *testing.T) {
	rec := serve([]string{"*"}, http.MethodOptions, "https://app.example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", rec.Code)
	}
}

func TestOrigins(t *testing.T) {
	if got := Origins(""); !reflect.DeepEqual(got, []string{"*"}) {
		t.Fatalf("Origins(\"\") = %v", got)
	}
	got := Origins(" https://a.example/ , https://b.example ,")
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Origins = %v, want %v", got, want)
	}
}
