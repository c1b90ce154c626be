package hub

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/dpcmesh/dpc/internal/identity"
)

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	dir, err := os.MkdirTemp("", "dpc-hub-identity")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	id, err := identity.Initialize(dir)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func publicKeyPEM(t *testing.T, id *identity.Identity) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&id.PrivateKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestValidateRegistrationAccepts(t *testing.T) {
	id := mustIdentity(t)
	req := registerRequest{
		NodeId:      id.NodeId,
		PublicKey:   string(publicKeyPEM(t, id)),
		Certificate: string(id.CertificatePEM()),
	}
	if _, err := validateRegistration(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRegistrationRejectsMismatchedNodeId(t *testing.T) {
	id := mustIdentity(t)
	req := registerRequest{
		NodeId:      "dpc-node-deadbeef00000000000000000000",
		PublicKey:   string(publicKeyPEM(t, id)),
		Certificate: string(id.CertificatePEM()),
	}
	if _, err := validateRegistration(req); err == nil {
		t.Fatal("expected error for mismatched node_id")
	}
}

func TestValidateRegistrationRejectsMismatchedPublicKey(t *testing.T) {
	id := mustIdentity(t)
	other := mustIdentity(t)
	req := registerRequest{
		NodeId:      id.NodeId,
		PublicKey:   string(publicKeyPEM(t, other)),
		Certificate: string(id.CertificatePEM()),
	}
	if _, err := validateRegistration(req); err == nil {
		t.Fatal("expected error for mismatched public key")
	}
}

func TestHandleRegisterEndToEnd(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	id := mustIdentity(t)

	payload, err := json.Marshal(registerRequest{
		NodeId:      id.NodeId,
		PublicKey:   string(publicKeyPEM(t, id)),
		Certificate: string(id.CertificatePEM()),
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(string(payload)))
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAuthenticatedRejectsMissingToken(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	req := httptest.NewRequest(http.MethodGet, "/users/me/", nil)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthenticatedAcceptsValidToken(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	token, err := h.issueToken("alice@example.com", "")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/users/me/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestLogoutBlacklistsToken(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	token, err := h.issueToken("bob@example.com", "")
	if err != nil {
		t.Fatal(err)
	}

	logoutReq := httptest.NewRequest(http.MethodPost, "/logout", nil)
	logoutReq.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, logoutReq)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}

	meReq := httptest.NewRequest(http.MethodGet, "/users/me/", nil)
	meReq.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	h.Router.ServeHTTP(w2, meReq)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("status after logout = %d, want 401", w2.Code)
	}
}

func TestProfilePutAndGet(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	token, err := h.issueToken("carol@example.com", "dpc-node-carol00000000000000000000")
	if err != nil {
		t.Fatal(err)
	}

	putBody := `{"name":"Carol","description":"ML researcher","expertise":[{"topic":"nlp","level":4}]}`
	putReq := httptest.NewRequest(http.MethodPut, "/profile", strings.NewReader(putBody))
	putReq.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, putReq)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", w.Code, w.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/profile/dpc-node-carol00000000000000000000", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	h.Router.ServeHTTP(w2, getReq)
	if w2.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w2.Code, w2.Body.String())
	}
	if !contains(w2.Body.String(), "Carol") {
		t.Fatalf("expected profile body to contain Carol, got %s", w2.Body.String())
	}
}

func TestDiscoverySearchFiltersByLevel(t *testing.T) {
	h := New([]byte("test-secret"), 9000)
	h.profiles["dpc-node-x"] = Profile{NodeId: "dpc-node-x", Name: "X", Expertise: []Skill{{Topic: "go", Level: 2}}}
	h.profiles["dpc-node-y"] = Profile{NodeId: "dpc-node-y", Name: "Y", Expertise: []Skill{{Topic: "go", Level: 5}}}

	token, _ := h.issueToken("dan@example.com", "")
	req := httptest.NewRequest(http.MethodGet, "/discovery/search?q=go&min_level=4", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if contains(w.Body.String(), "dpc-node-x") {
		t.Fatal("node-x has level 2, should be filtered out by min_level=4")
	}
	if !contains(w.Body.String(), "dpc-node-y") {
		t.Fatal("expected node-y in results")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

