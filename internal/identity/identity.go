/*
File Name:  identity.go
Author:     dpc contributors

Node identity: RSA key generation, NodeId derivation, self-signed
certificate issuance and on-disk persistence in the node home
directory.
*/

package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// NodeIdPrefix is prepended to every derived node identifier.
const NodeIdPrefix = "dpc-node-"

// KeyBits is the RSA modulus size used for all node identities.
const KeyBits = 2048

// CertValidity is the lifetime of the self-signed identity certificate.
const CertValidity = 10 * 365 * 24 * time.Hour

// ErrNotInitialized is returned by Load when the home directory does not
// contain a complete identity.
var ErrNotInitialized = errors.New("identity: not initialized")

// Identity is a node's self-sovereign cryptographic identity. It never
// leaves the device it was created on.
type Identity struct {
	NodeId      string
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	CertDER     []byte
}

// fileNames within the home directory, per the §6 layout.
const (
	fileKey  = "node.key"
	fileCert = "node.crt"
	fileID   = "node.id"
)

// DeriveNodeId computes the NodeId from a PEM-encoded public key: the
// prefix plus the first 32 hex characters of SHA-256(pem).
func DeriveNodeId(publicKeyPEM []byte) string {
	sum := sha256.Sum256(publicKeyPEM)
	return NodeIdPrefix + hex.EncodeToString(sum[:])[:32]
}

func marshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Initialize generates a new RSA key pair, derives the NodeId, issues a
// self-signed certificate with CN = NodeId, and persists key/cert/id
// under homeDir. It fails if an identity already exists there.
func Initialize(homeDir string) (*Identity, error) {
	if _, err := os.Stat(filepath.Join(homeDir, fileKey)); err == nil {
		return nil, errors.New("identity: already initialized")
	}

	if err := os.MkdirAll(homeDir, 0700); err != nil {
		return nil, err
	}

	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}

	pubPEM, err := marshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	nodeID := DeriveNodeId(pubPEM)

	certDER, cert, err := issueSelfSigned(priv, nodeID)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	if err := os.WriteFile(filepath.Join(homeDir, fileKey), keyPEM, 0600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(homeDir, fileCert), certPEM, 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(homeDir, fileID), []byte(nodeID), 0644); err != nil {
		return nil, err
	}

	return &Identity{NodeId: nodeID, PrivateKey: priv, Certificate: cert, CertDER: certDER}, nil
}

// issueSelfSigned builds a CA:true self-signed certificate, CN = nodeID.
func issueSelfSigned(priv *rsa.PrivateKey, nodeID string) (der []byte, cert *x509.Certificate, err error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: nodeID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(CertValidity),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err = x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	cert, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return der, cert, nil
}

// Load reads a previously initialized identity from homeDir. It returns
// ErrNotInitialized if any of the three files is missing.
func Load(homeDir string) (*Identity, error) {
	keyPEM, err := os.ReadFile(filepath.Join(homeDir, fileKey))
	if err != nil {
		return nil, ErrNotInitialized
	}
	certPEM, err := os.ReadFile(filepath.Join(homeDir, fileCert))
	if err != nil {
		return nil, ErrNotInitialized
	}
	idBytes, err := os.ReadFile(filepath.Join(homeDir, fileID))
	if err != nil {
		return nil, ErrNotInitialized
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("identity: invalid key PEM")
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("identity: not an RSA key")
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("identity: invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return &Identity{
		NodeId:      string(idBytes),
		PrivateKey:  priv,
		Certificate: cert,
		CertDER:     certBlock.Bytes,
	}, nil
}

// CertificatePEM returns the PEM encoding of the identity's certificate.
func (id *Identity) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.CertDER})
}

// VerifyNodeIdFromCert recomputes NodeId from a certificate's public key
// and checks it equals the certificate CN and the claimed NodeId.
func VerifyNodeIdFromCert(cert *x509.Certificate, claimedNodeID string) (bool, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false, errors.New("identity: certificate does not hold an RSA key")
	}
	pubPEM, err := marshalPublicKeyPEM(pub)
	if err != nil {
		return false, err
	}
	derived := DeriveNodeId(pubPEM)
	return derived == claimedNodeID && cert.Subject.CommonName == claimedNodeID, nil
}
