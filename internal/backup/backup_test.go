package backup

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dpc-backup-home")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	if err := os.WriteFile(filepath.Join(dir, "personal.json"), []byte(`{"test":"data"}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node.key"), []byte("test-private-key"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "peers"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "peers", "dpc-node-x.crt"), []byte("cert-data"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "noise.tmp"), []byte("ignore me"), 0600); err != nil {
		t.Fatal(err)
	}

	return dir
}

func TestCreateRejectsShortPassphrase(t *testing.T) {
	dir := writeTestHome(t)
	if _, err := Create(dir, "short", "test-device"); err == nil {
		t.Fatal("expected error for passphrase under 8 characters")
	}
}

func TestCreateThenRestoreRoundTrips(t *testing.T) {
	dir := writeTestHome(t)
	bundle, err := Create(dir, "correct horse battery staple", "test-device")
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle) == 0 {
		t.Fatal("expected non-empty bundle")
	}
	if string(bundle[:len(Magic)]) != Magic {
		t.Fatal("expected magic bytes at start of bundle")
	}

	restoreDir := filepath.Join(t.TempDir(), "restored")
	meta, err := Restore(bundle, "correct horse battery staple", restoreDir, false)
	if err != nil {
		t.Fatal(err)
	}
	if meta.DeviceName != "test-device" {
		t.Fatalf("device_name = %q", meta.DeviceName)
	}

	data, err := os.ReadFile(filepath.Join(restoreDir, "personal.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"test":"data"}` {
		t.Fatalf("personal.json content = %q", data)
	}

	if _, err := os.Stat(filepath.Join(restoreDir, "noise.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected noise.tmp to be excluded from the backup")
	}
	if _, err := os.Stat(filepath.Join(restoreDir, "peers", "dpc-node-x.crt")); err != nil {
		t.Fatal("expected nested peers/ file to be restored")
	}
}

func TestRestoreRejectsWrongPassphrase(t *testing.T) {
	dir := writeTestHome(t)
	bundle, err := Create(dir, "correct horse battery staple", "test-device")
	if err != nil {
		t.Fatal(err)
	}

	restoreDir := filepath.Join(t.TempDir(), "restored")
	if _, err := Restore(bundle, "wrong passphrase here", restoreDir, false); err != ErrWrongPassphrase {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
}

func TestRestoreRefusesExistingDirWithoutOverwrite(t *testing.T) {
	dir := writeTestHome(t)
	bundle, err := Create(dir, "correct horse battery staple", "test-device")
	if err != nil {
		t.Fatal(err)
	}

	existing := t.TempDir()
	if _, err := Restore(bundle, "correct horse battery staple", existing, false); err == nil {
		t.Fatal("expected error when target directory already exists")
	}
}

func TestVerifyDetectsCorruptMagic(t *testing.T) {
	dir := writeTestHome(t)
	bundle, err := Create(dir, "correct horse battery staple", "test-device")
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte{}, bundle...)
	corrupted[0] ^= 0xff

	if _, err := Verify(corrupted); err != ErrInvalidFormat {
		t.Fatalf("err = %v, want ErrInvalidFormat", err)
	}
}

func TestVerifyReportsMetadataWithoutDecrypting(t *testing.T) {
	dir := writeTestHome(t)
	bundle, err := Create(dir, "correct horse battery staple", "test-device")
	if err != nil {
		t.Fatal(err)
	}

	meta, err := Verify(bundle)
	if err != nil {
		t.Fatal(err)
	}
	if meta.NumFiles == 0 {
		t.Fatal("expected non-zero num_files")
	}
}
