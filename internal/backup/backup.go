/*
File Name:  backup.go
Author:     dpc contributors

Encrypted backup container for a node's home directory: a tar.gz
payload wrapped in AES-256-GCM, keyed by a passphrase via PBKDF2, per
the wire layout in §6. Client-side encryption only; a lost passphrase
means permanently lost data, by design.
*/

package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dpcmesh/dpc/internal/identity"
)

// Magic is the 13-byte file signature identifying a dpc backup.
const Magic = "DPC_BACKUP_V1"

// Version is the current backup container format version.
const Version uint16 = 1

const (
	saltLength  = 32
	nonceLength = 12
)

// ErrInvalidFormat is returned when a backup file's header is malformed
// or its magic bytes don't match.
var ErrInvalidFormat = errors.New("backup: invalid backup file format")

// ErrWrongPassphrase is returned when decryption fails, which for
// AES-GCM always means either the wrong key or a tampered payload.
var ErrWrongPassphrase = errors.New("backup: wrong passphrase or corrupted backup")

// Metadata is the authenticated-but-unencrypted header accompanying
// every backup, used as AES-GCM additional data.
type Metadata struct {
	Version      uint16    `json:"version"`
	DeviceName   string    `json:"device_name"`
	Timestamp    time.Time `json:"timestamp"`
	CompressedSize int     `json:"compressed_size"`
	NumFiles     int       `json:"num_files"`
}

// defaultExcludes mirrors the original backup tool's exclusion
// patterns for transient/noise files that never belong in a backup.
var defaultExcludes = []string{".bak", ".tmp", ".log"}

func isExcluded(name string) bool {
	for _, suffix := range defaultExcludes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Create packages homeDir into an encrypted backup bundle.
func Create(homeDir, passphrase, deviceName string) ([]byte, error) {
	if len(passphrase) < 8 {
		return nil, errors.New("backup: passphrase must be at least 8 characters")
	}

	compressed, numFiles, err := tarGzDir(homeDir)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := identity.DeriveBackupKey(passphrase, salt)

	meta := Metadata{
		Version:        Version,
		DeviceName:     deviceName,
		Timestamp:      time.Now().UTC(),
		CompressedSize: len(compressed),
		NumFiles:       numFiles,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext, err := encryptGCM(key, nonce, compressed, metaJSON)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.WriteString(Magic)
	binary.Write(&out, binary.BigEndian, Version)
	out.Write(salt)
	out.Write(nonce)
	binary.Write(&out, binary.BigEndian, uint32(len(metaJSON)))
	out.Write(metaJSON)
	out.Write(ciphertext)

	return out.Bytes(), nil
}

// parsedHeader is the decoded, unencrypted header of a backup bundle.
type parsedHeader struct {
	Version    uint16
	Salt       []byte
	Nonce      []byte
	MetaJSON   []byte
	Meta       Metadata
	Ciphertext []byte
}

func parseHeader(bundle []byte) (*parsedHeader, error) {
	r := bytes.NewReader(bundle)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != Magic {
		return nil, ErrInvalidFormat
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, ErrInvalidFormat
	}
	if version != Version {
		return nil, fmt.Errorf("backup: unsupported version %d", version)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, ErrInvalidFormat
	}
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, ErrInvalidFormat
	}

	var metaLen uint32
	if err := binary.Read(r, binary.BigEndian, &metaLen); err != nil {
		return nil, ErrInvalidFormat
	}
	metaJSON := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaJSON); err != nil {
		return nil, ErrInvalidFormat
	}

	var meta Metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, ErrInvalidFormat
	}

	ciphertext, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	return &parsedHeader{Version: version, Salt: salt, Nonce: nonce, MetaJSON: metaJSON, Meta: meta, Ciphertext: ciphertext}, nil
}

// Verify checks a bundle's header and metadata without decrypting.
func Verify(bundle []byte) (Metadata, error) {
	h, err := parseHeader(bundle)
	if err != nil {
		return Metadata{}, err
	}
	return h.Meta, nil
}

// Restore decrypts bundle and extracts its contents into targetDir.
// targetDir must not already exist unless overwrite is true.
func Restore(bundle []byte, passphrase, targetDir string, overwrite bool) (Metadata, error) {
	if _, err := os.Stat(targetDir); err == nil && !overwrite {
		return Metadata{}, fmt.Errorf("backup: target directory already exists: %s", targetDir)
	}

	h, err := parseHeader(bundle)
	if err != nil {
		return Metadata{}, err
	}

	key := identity.DeriveBackupKey(passphrase, h.Salt)
	compressed, err := decryptGCM(key, h.Nonce, h.Ciphertext, h.MetaJSON)
	if err != nil {
		return Metadata{}, ErrWrongPassphrase
	}

	if err := untarGz(compressed, targetDir); err != nil {
		return Metadata{}, err
	}

	return h.Meta, nil
}

func encryptGCM(key, nonce, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func decryptGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}

func tarGzDir(homeDir string) (compressed []byte, numFiles int, err error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(homeDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if isExcluded(path) {
			return nil
		}

		rel, err := filepath.Rel(homeDir, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		numFiles++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gz.Close(); err != nil {
		return nil, 0, err
	}

	return buf.Bytes(), numFiles, nil
}

func untarGz(compressed []byte, targetDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	if err := os.MkdirAll(targetDir, 0700); err != nil {
		return err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(targetDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return fmt.Errorf("backup: archive entry escapes target directory: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
