/*
File Name:  register.go
Author:     dpc contributors

Node registration: validates that a submitted node_id, public key and
certificate are self-consistent. The endpoint takes no bearer token and
does not bind the node to a user account.
*/

package hub

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"

	"github.com/dpcmesh/dpc/internal/identity"
)

type registerRequest struct {
	NodeId      string `json:"node_id"`
	PublicKey   string `json:"public_key"`  // PEM
	Certificate string `json:"certificate"` // PEM
}

// validateRegistration checks the four conditions in §4.13:
// the certificate parses, its CN is the claimed node_id with the
// dpc-node- prefix, the NodeId derived from its public key equals
// node_id, and the provided public key equals the certificate's.
func validateRegistration(req registerRequest) (*x509.Certificate, error) {
	certBlock, _ := pem.Decode([]byte(req.Certificate))
	if certBlock == nil {
		return nil, errors.New("hub: invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}

	ok, err := identity.VerifyNodeIdFromCert(cert, req.NodeId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("hub: node_id does not match certificate")
	}

	pubBlock, _ := pem.Decode([]byte(req.PublicKey))
	if pubBlock == nil {
		return nil, errors.New("hub: invalid public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("hub: public key is not RSA")
	}
	certPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("hub: certificate key is not RSA")
	}
	if pub.N.Cmp(certPub.N) != 0 || pub.E != certPub.E {
		return nil, errors.New("hub: provided public key does not match certificate")
	}

	return cert, nil
}

func (h *Hub) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if _, err := validateRegistration(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"node_id": req.NodeId, "status": "registered"})
}

// bindNode associates nodeID with the account identified by email,
// creating the account if absent. Nothing in this package calls it.
func (h *Hub) bindNode(email, nodeID string) {
	h.usersMu.Lock()
	defer h.usersMu.Unlock()
	u, ok := h.users[email]
	if !ok {
		u = &user{Email: email}
		h.users[email] = u
	}
	u.NodeId = nodeID
}
