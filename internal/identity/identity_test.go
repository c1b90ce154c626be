package identity

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestInitializeAndLoad(t *testing.T) {
	dir := t.TempDir()

	id, err := Initialize(dir)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if id.NodeId[:len(NodeIdPrefix)] != NodeIdPrefix {
		t.Fatalf("NodeId missing prefix: %s", id.NodeId)
	}
	if id.Certificate.Subject.CommonName != id.NodeId {
		t.Fatalf("cert CN %q != NodeId %q", id.Certificate.Subject.CommonName, id.NodeId)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NodeId != id.NodeId {
		t.Fatalf("loaded NodeId mismatch: %s != %s", loaded.NodeId, id.NodeId)
	}
}

func TestLoadNotInitialized(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing")); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDeriveNodeIdDeterministic(t *testing.T) {
	pem := []byte("some-public-key-pem")
	a := DeriveNodeId(pem)
	b := DeriveNodeId(pem)
	if a != b {
		t.Fatalf("DeriveNodeId not deterministic: %s != %s", a, b)
	}
	if len(a) != len(NodeIdPrefix)+32 {
		t.Fatalf("unexpected NodeId length: %d", len(a))
	}
}

func TestHybridEncryptDecryptRoundtrip(t *testing.T) {
	dir := t.TempDir()
	id, err := Initialize(dir)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	blob, err := HybridEncrypt(plaintext, &id.PrivateKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	got, err := HybridDecrypt(blob, id.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: %q != %q", got, plaintext)
	}
}

func TestHybridEncryptUniqueCiphertexts(t *testing.T) {
	dir := t.TempDir()
	id, err := Initialize(dir)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("same message twice")
	b1, err := HybridEncrypt(plaintext, &id.PrivateKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := HybridEncrypt(plaintext, &id.PrivateKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(b1, b2) {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestHybridDecryptTamperedFails(t *testing.T) {
	dir := t.TempDir()
	id, err := Initialize(dir)
	if err != nil {
		t.Fatal(err)
	}

	blob, err := HybridEncrypt([]byte("tamper me"), &id.PrivateKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xFF

	if _, err := HybridDecrypt(blob, id.PrivateKey); err != ErrTampered {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
}

func TestSignVerifyPSS(t *testing.T) {
	dir := t.TempDir()
	id, err := Initialize(dir)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("commit-hash-bytes")
	sig, err := SignPSS(id.PrivateKey, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyPSS(&id.PrivateKey.PublicKey, data, sig); err != nil {
		t.Fatalf("VerifyPSS failed: %v", err)
	}
	if err := VerifyPSS(&id.PrivateKey.PublicKey, []byte("different data"), sig); err == nil {
		t.Fatal("expected verification failure for tampered data")
	}
}

func TestDeriveBackupKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef")
	a := DeriveBackupKey("hunter2", salt)
	b := DeriveBackupKey("hunter2", salt)
	if !bytes.Equal(a, b) {
		t.Fatal("DeriveBackupKey not deterministic for same inputs")
	}
	c := DeriveBackupKey("different", salt)
	if bytes.Equal(a, c) {
		t.Fatal("DeriveBackupKey produced same output for different passphrases")
	}
}
