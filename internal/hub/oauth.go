/*
File Name:  oauth.go
Author:     dpc contributors

OAuth bootstrapping endpoints. Only the contract matters per spec: a
provider redirect out, a provider callback in that resolves to an
account and issues a JWT. The actual OAuth2 exchange is left to a
pluggable Provider so the Hub itself never depends on a specific
vendor SDK.
*/

package hub

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// Provider resolves an OAuth callback's query parameters to a stable
// account email. A stub Provider suffices for local testing; real
// deployments wire a vendor's OAuth2 library here.
type Provider interface {
	// AuthorizeURL returns where to redirect the browser to begin the
	// provider flow.
	AuthorizeURL(callbackURL string) string
	// ResolveCallback exchanges the callback request for the
	// authenticated account's email.
	ResolveCallback(r *http.Request) (email string, err error)
}

func (h *Hub) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	p, ok := h.providers[provider]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	http.Redirect(w, r, p.AuthorizeURL(fmt.Sprintf("/auth/%s", provider)), http.StatusFound)
}

func (h *Hub) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	p, ok := h.providers[provider]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	email, err := p.ResolveCallback(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	h.usersMu.Lock()
	u, exists := h.users[email]
	if !exists {
		u = &user{Email: email, Provider: provider}
		h.users[email] = u
	} else {
		u.Provider = provider
	}
	nodeID := u.NodeId
	h.usersMu.Unlock()

	token, err := h.issueToken(email, nodeID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, fmt.Sprintf("http://127.0.0.1:%d/callback?access_token=%s", h.localCallbackPort, token), http.StatusFound)
}
