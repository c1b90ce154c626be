package hub

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// stubProvider resolves every callback to a fixed email, standing in
// for a real OAuth2 exchange in tests.
type stubProvider struct {
	email string
}

func (s *stubProvider) AuthorizeURL(callbackURL string) string {
	return "https://provider.example/authorize?redirect_uri=" + url.QueryEscape(callbackURL)
}

func (s *stubProvider) ResolveCallback(r *http.Request) (string, error) {
	return s.email, nil
}

func TestLoginRedirectsToProvider(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	h.RegisterProvider("github", &stubProvider{email: "eve@example.com"})

	req := httptest.NewRequest(http.MethodGet, "/login/github", nil)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc == "" {
		t.Fatal("expected Location header")
	}
}

func TestAuthCallbackIssuesToken(t *testing.T) {
	h := New([]byte("test-secret"), 9001)
	h.RegisterProvider("github", &stubProvider{email: "eve@example.com"})

	req := httptest.NewRequest(http.MethodGet, "/auth/github", nil)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Query().Get("access_token") == "" {
		t.Fatal("expected access_token in redirect URL")
	}

	h.usersMu.RLock()
	_, ok := h.users["eve@example.com"]
	h.usersMu.RUnlock()
	if !ok {
		t.Fatal("expected user to be created on first callback")
	}
}

func TestLoginUnknownProviderNotFound(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	req := httptest.NewRequest(http.MethodGet, "/login/unknown", nil)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
