// Package authstate owns the on-disk layout of the local auth directory: the
// creds.json credential manifest and the keys/ key-store tree.
package authstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	CredsFile = "creds.json"
	KeysDir   = "keys"
	StoreFile = "store.db"
)

// CredentialIntegrityError reports a credential manifest that is missing,
// unreadable or lacks one of the mandatory fields.
type CredentialIntegrityError struct {
	Field string
	Err   error
}

func (e *CredentialIntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential integrity: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("credential integrity: missing %s", e.Field)
}

func (e *CredentialIntegrityError) Unwrap() error { return e.Err }

type PublicKey struct {
	Public []byte `json:"public"`
}

type SignedPreKey struct {
	KeyID     uint32 `json:"keyId"`
	Public    []byte `json:"public"`
	Signature []byte `json:"signature"`
}

type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Manifest is the public summary of the credential material held by the key
// store. Private halves never leave the store database.
type Manifest struct {
	NoiseKey          *PublicKey    `json:"noiseKey,omitempty"`
	SignedIdentityKey *PublicKey    `json:"signedIdentityKey,omitempty"`
	SignedPreKey      *SignedPreKey `json:"signedPreKey,omitempty"`
	RegistrationID    uint32        `json:"registrationId,omitempty"`
	AdvSecretKey      bool          `json:"advSecretKey,omitempty"`
	Me                *Account      `json:"me,omitempty"`
	Platform          string        `json:"platform,omitempty"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Validate checks the four mandatory fields.
func (m *Manifest) Validate() error {
	switch {
	case m.NoiseKey == nil || len(m.NoiseKey.Public) == 0:
		return &CredentialIntegrityError{Field: "noiseKey"}
	case m.SignedIdentityKey == nil || len(m.SignedIdentityKey.Public) == 0:
		return &CredentialIntegrityError{Field: "signedIdentityKey"}
	case m.SignedPreKey == nil || len(m.SignedPreKey.Public) == 0 || len(m.SignedPreKey.Signature) == 0:
		return &CredentialIntegrityError{Field: "signedPreKey"}
	case m.RegistrationID == 0:
		return &CredentialIntegrityError{Field: "registrationId"}
	}
	return nil
}

// Layout addresses the files of one auth directory.
type Layout struct {
	Dir string
	// CleanupFiles are secondary state files removed by Clear. Relative
	// paths resolve against Dir.
	CleanupFiles []string
}

func New(dir string, cleanupFiles []string) *Layout {
	return &Layout{Dir: dir, CleanupFiles: cleanupFiles}
}

func (l *Layout) CredsPath() string { return filepath.Join(l.Dir, CredsFile) }

func (l *Layout) KeysPath() string { return filepath.Join(l.Dir, KeysDir) }

func (l *Layout) StorePath() string { return filepath.Join(l.Dir, KeysDir, StoreFile) }

// ArchivePaths lists the entries captured into a session archive, relative
// to Dir.
func (l *Layout) ArchivePaths() []string {
	return []string{CredsFile, KeysDir}
}

// Ensure creates the auth and key directories.
func (l *Layout) Ensure() error {
	return os.MkdirAll(l.KeysPath(), 0o700)
}

// HasCredentials reports whether a manifest has been written.
func (l *Layout) HasCredentials() bool {
	info, err := os.Stat(l.CredsPath())
	return err == nil && info.Mode().IsRegular()
}

// ReadManifest loads creds.json without validating it.
func (l *Layout) ReadManifest() (*Manifest, error) {
	b, err := os.ReadFile(l.CredsPath())
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteManifest replaces creds.json through a temp file and rename.
func (l *Layout) WriteManifest(m *Manifest) error {
	if err := os.MkdirAll(l.Dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(l.CredsPath(), b, 0o600)
}

// Validate reads the manifest and checks its mandatory fields. Every failure
// is reported as a *CredentialIntegrityError.
func (l *Layout) Validate() error {
	m, err := l.ReadManifest()
	if err != nil {
		return &CredentialIntegrityError{Field: CredsFile, Err: err}
	}
	return m.Validate()
}

// Clear empties the auth directory and removes every cleanup file. The
// directory itself is kept. Missing entries are not an error.
func (l *Layout) Clear() error {
	var errs []error

	entries, err := os.ReadDir(l.Dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(l.Dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range l.CleanupFiles {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(l.Dir, p)
		}
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Empty reports whether the auth directory holds no entries at all.
func (l *Layout) Empty() (bool, error) {
	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
