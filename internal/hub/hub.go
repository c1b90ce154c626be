/*
File Name:  hub.go
Author:     dpc contributors

Federation Hub: node registration, OAuth bootstrapping, profile
discovery and WebSocket signaling relay. The Hub is never trusted with
content; it only brokers identity and NAT-traversal.
*/

package hub

import (
	"crypto/tls"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Hub holds all server-side state for the Federation Hub.
type Hub struct {
	Router *mux.Router

	jwtSecret []byte

	usersMu sync.RWMutex
	users   map[string]*user // keyed by email

	profilesMu sync.RWMutex
	profiles   map[string]Profile // keyed by node_id

	blacklist *tokenBlacklist

	signalMu sync.RWMutex
	sockets  map[string]*websocket.Conn // node_id -> connection

	geogate *GeoGate

	providers         map[string]Provider
	localCallbackPort int
}

// user is a Hub-side account bound to an OAuth identity and optionally
// a registered node.
type user struct {
	Email    string
	Provider string
	NodeId   string
}

// New creates a Hub. jwtSecret signs and verifies issued access tokens.
// localCallbackPort is the port the desktop/CLI client listens on for
// the OAuth redirect's access_token handoff.
func New(jwtSecret []byte, localCallbackPort int) *Hub {
	h := &Hub{
		jwtSecret:         jwtSecret,
		users:             make(map[string]*user),
		profiles:          make(map[string]Profile),
		blacklist:         newTokenBlacklist(),
		sockets:           make(map[string]*websocket.Conn),
		providers:         make(map[string]Provider),
		localCallbackPort: localCallbackPort,
	}

	h.Router = mux.NewRouter()

	h.Router.HandleFunc("/", h.handleHealth).Methods("GET")
	h.Router.HandleFunc("/login/{provider}", h.handleLogin).Methods("GET")
	h.Router.HandleFunc("/auth/{provider}", h.handleAuthCallback).Methods("GET")
	h.Router.HandleFunc("/register", h.handleRegister).Methods("POST")
	h.Router.HandleFunc("/users/me/", h.authenticated(h.handleUsersMe)).Methods("GET")
	h.Router.HandleFunc("/profile", h.authenticated(h.handleProfileGet)).Methods("GET")
	h.Router.HandleFunc("/profile", h.authenticated(h.handleProfilePut)).Methods("PUT")
	h.Router.HandleFunc("/profile/{node_id}", h.authenticated(h.handleProfileByNodeId)).Methods("GET")
	h.Router.HandleFunc("/discovery/search", h.authenticated(h.handleDiscoverySearch)).Methods("GET")
	h.Router.HandleFunc("/logout", h.authenticated(h.handleLogout)).Methods("POST")
	h.Router.HandleFunc("/ws/signal", h.handleSignalUpgrade)

	go h.blacklist.sweepLoop(time.Minute)

	return h
}

// RegisterProvider wires an OAuth provider under /login/{name} and
// /auth/{name}.
func (h *Hub) RegisterProvider(name string, p Provider) {
	h.providers[name] = p
}

// EnableGeoGating attaches a GeoIP database for country-code blocking.
// Must be called before New's router middleware chain is consulted, so
// callers should set it up before the first request arrives.
func (h *Hub) EnableGeoGating(g *GeoGate) {
	h.geogate = g
	h.Router.Use(g.Middleware)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// wsUpgrader mirrors the teacher's permissive WSUpgrader: signaling
// clients may come from any origin since the Hub authenticates by
// bearer token, not by origin.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve starts an HTTP(S) server for the Hub's router. Mirrors the
// teacher's startWebAPI: blocks until the listener fails.
func Serve(h *Hub, listenAddr string, useSSL bool, certFile, keyFile string) error {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	server := &http.Server{
		Addr:         listenAddr,
		Handler:      h.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		TLSConfig:    tlsConfig,
	}

	log.Printf("hub: listening at %s (ssl=%v)", listenAddr, useSSL)
	if useSSL {
		return server.ListenAndServeTLS(certFile, keyFile)
	}
	return server.ListenAndServe()
}
