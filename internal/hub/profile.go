/*
File Name:  profile.go
Author:     dpc contributors

Public profile store and expertise-based discovery search.
*/

package hub

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// Profile is the public-facing description of a node, used for
// discovery and compute-sharing advertisement.
type Profile struct {
	NodeId      string   `json:"node_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Expertise   []Skill  `json:"expertise"`
	Compute     bool     `json:"compute"`
	P2PURIHint  string   `json:"p2p_uri_hint"`
}

// Skill is one entry in a profile's expertise list.
type Skill struct {
	Topic string `json:"topic"`
	Level int    `json:"level"` // 1-5
}

func (h *Hub) handleUsersMe(w http.ResponseWriter, r *http.Request) {
	c := claimsFromContext(r)
	h.usersMu.RLock()
	u := h.users[c.Subject]
	h.usersMu.RUnlock()

	resp := map[string]interface{}{"email": c.Subject, "node_id": c.NodeId}
	if u != nil && u.NodeId != "" {
		h.profilesMu.RLock()
		if p, ok := h.profiles[u.NodeId]; ok {
			resp["profile"] = p
		}
		h.profilesMu.RUnlock()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	c := claimsFromContext(r)
	if c.NodeId == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.profilesMu.RLock()
	p, ok := h.profiles[c.NodeId]
	h.profilesMu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Hub) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	c := claimsFromContext(r)
	if c.NodeId == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var p Profile
	if err := readJSON(w, r, &p); err != nil {
		return
	}
	p.NodeId = c.NodeId

	h.profilesMu.Lock()
	h.profiles[c.NodeId] = p
	h.profilesMu.Unlock()

	writeJSON(w, http.StatusOK, p)
}

func (h *Hub) handleProfileByNodeId(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	h.profilesMu.RLock()
	p, ok := h.profiles[nodeID]
	h.profilesMu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Hub) handleDiscoverySearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	minLevel := 0
	if raw := r.URL.Query().Get("min_level"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			minLevel = v
		}
	}

	type result struct {
		NodeId      string `json:"node_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	var results []result

	h.profilesMu.RLock()
	for _, p := range h.profiles {
		if !matchesQuery(p, q, minLevel) {
			continue
		}
		results = append(results, result{NodeId: p.NodeId, Name: p.Name, Description: p.Description})
	}
	h.profilesMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func matchesQuery(p Profile, q string, minLevel int) bool {
	if q == "" {
		return true
	}
	for _, skill := range p.Expertise {
		if skill.Level < minLevel {
			continue
		}
		if strings.Contains(strings.ToLower(skill.Topic), q) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Description), q)
}

func (h *Hub) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.blacklist.add(rawTokenFromContext(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "logged_out"})
}
