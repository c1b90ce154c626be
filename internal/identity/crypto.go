/*
File Name:  crypto.go
Author:     dpc contributors

Hybrid encryption (RSA-OAEP + AES-GCM), RSA-PSS signing, and PBKDF2 key
derivation for passphrase-protected backups.
*/

package identity

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	aesKeySize   = 32 // 256-bit AES key
	gcmNonceSize = 12 // 96-bit GCM nonce

	// PBKDF2Iterations is the iteration count used to derive backup keys
	// from a user passphrase.
	PBKDF2Iterations = 600_000
)

// ErrTampered is returned by HybridDecrypt when the AES-GCM auth tag
// does not verify.
var ErrTampered = errors.New("identity: ciphertext authentication failed")

// HybridEncrypt encrypts plaintext for peerPublicKey using a fresh
// AES-256-GCM session key wrapped with RSA-OAEP(SHA-256).
//
// Blob layout: enc_key_len (4B BE) || enc_key || nonce (12B) || ciphertext||tag
func HybridEncrypt(plaintext []byte, peerPublicKey *rsa.PublicKey) ([]byte, error) {
	sessionKey := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerPublicKey, sessionKey, nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4+len(encKey)+gcmNonceSize+len(ciphertext))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(encKey)))
	copy(out[4:4+len(encKey)], encKey)
	copy(out[4+len(encKey):4+len(encKey)+gcmNonceSize], nonce)
	copy(out[4+len(encKey)+gcmNonceSize:], ciphertext)

	return out, nil
}

// HybridDecrypt reverses HybridEncrypt using the receiver's private key.
// Any authentication failure is fatal for the blob: it returns ErrTampered.
func HybridDecrypt(blob []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	if len(blob) < 4 {
		return nil, errors.New("identity: blob too short")
	}
	encKeyLen := binary.BigEndian.Uint32(blob[0:4])
	if uint64(4)+uint64(encKeyLen)+uint64(gcmNonceSize) > uint64(len(blob)) {
		return nil, errors.New("identity: malformed blob")
	}

	off := 4
	encKey := blob[off : off+int(encKeyLen)]
	off += int(encKeyLen)
	nonce := blob[off : off+gcmNonceSize]
	off += gcmNonceSize
	ciphertext := blob[off:]

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, encKey, nil)
	if err != nil {
		return nil, ErrTampered
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrTampered
	}
	return plaintext, nil
}

// SignPSS signs data with RSA-PSS using SHA-256 and the maximum salt
// length, returning the base64-encoded signature.
func SignPSS(priv *rsa.PrivateKey, data []byte) (string, error) {
	hashed := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, hashed[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyPSS verifies a base64-encoded RSA-PSS signature produced by SignPSS.
func VerifyPSS(pub *rsa.PublicKey, data []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	hashed := sha256.Sum256(data)
	return rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
}

// DeriveBackupKey derives a 256-bit key from a passphrase and salt using
// PBKDF2-HMAC-SHA256 with PBKDF2Iterations rounds.
func DeriveBackupKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, aesKeySize, sha256.New)
}
