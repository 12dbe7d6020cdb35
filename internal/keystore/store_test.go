package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"openbot-social/go-sdk/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "keys"))
}

func TestGenerateWritesKeyPairWithRestrictiveModes(t *testing.T) {
	s := newTestStore(t)
	privPath, pubPEM, err := s.Generate("demo-1", MinKeyBits)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasSuffix(privPath, "demo-1.pem") {
		t.Fatalf("expected private key path ending in demo-1.pem, got %s", privPath)
	}
	if !strings.Contains(pubPEM, "BEGIN PUBLIC KEY") {
		t.Fatalf("expected SubjectPublicKeyInfo PEM, got %q", pubPEM)
	}

	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Fatalf("expected private key mode 0600, got %o", mode)
	}
	dirInfo, err := os.Stat(s.Dir())
	if err != nil {
		t.Fatalf("stat key dir: %v", err)
	}
	if mode := dirInfo.Mode().Perm(); mode != 0o700 {
		t.Fatalf("expected key dir mode 0700, got %o", mode)
	}

	if _, err := s.LoadPrivate("demo-1"); err != nil {
		t.Fatalf("load generated key: %v", err)
	}
}

func TestGenerateNeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	privPath, _, err := s.Generate("demo-1", MinKeyBits)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	before, err := os.ReadFile(privPath)
	if err != nil {
		t.Fatalf("read first key: %v", err)
	}

	_, _, err = s.Generate("demo-1", MinKeyBits)
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	after, err := os.ReadFile(privPath)
	if err != nil {
		t.Fatalf("read key after failed generate: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("second generate must leave the first key pair untouched")
	}
}

func TestGenerateRejectsWeakKeysAndBadIDs(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Generate("demo-1", 1024); err == nil {
		t.Fatal("expected rejection of 1024-bit key size")
	}
	if _, _, err := s.Generate("bad/id", MinKeyBits); !errors.Is(err, models.ErrInvalidEntityID) {
		t.Fatalf("expected ErrInvalidEntityID, got %v", err)
	}
}

func TestLoadPrivateMissingKeyIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadPrivate("ghost-1")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if _, err := s.LoadPublicPEM("ghost-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for public key, got %v", err)
	}
}

func TestPathForReportsAbsenceWithoutError(t *testing.T) {
	s := newTestStore(t)
	if path, ok := s.PathFor("demo-1"); ok || path != "" {
		t.Fatalf("expected absence, got %q", path)
	}
	privPath, _, err := s.Generate("demo-1", MinKeyBits)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path, ok := s.PathFor("demo-1")
	if !ok || path != privPath {
		t.Fatalf("expected %s, got %q (ok=%v)", privPath, path, ok)
	}
}

func TestListEntities(t *testing.T) {
	s := newTestStore(t)
	ids, err := s.ListEntities()
	if err != nil || ids != nil {
		t.Fatalf("expected empty list for missing dir, got %v / %v", ids, err)
	}
	for _, id := range []string{"zed-9", "alpha-1"} {
		if _, _, err := s.Generate(id, MinKeyBits); err != nil {
			t.Fatalf("generate %s: %v", id, err)
		}
	}
	ids, err = s.ListEntities()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha-1" || ids[1] != "zed-9" {
		t.Fatalf("expected sorted [alpha-1 zed-9], got %v", ids)
	}
}

func TestFingerprintIsStablePerKey(t *testing.T) {
	s := newTestStore(t)
	_, pubPEM, err := s.Generate("demo-1", MinKeyBits)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	fp1, err := Fingerprint(pubPEM)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := Fingerprint(pubPEM)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprint not stable: %s vs %s", fp1, fp2)
	}
	if !strings.HasPrefix(fp1, "obk1") {
		t.Fatalf("expected obk1 prefix, got %s", fp1)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	src := newTestStore(t)
	if _, _, err := src.Generate("demo-1", MinKeyBits); err != nil {
		t.Fatalf("generate: %v", err)
	}
	env, err := src.ExportEncrypted("demo-1", "correct horse")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := New(filepath.Join(t.TempDir(), "keys"))
	id, err := dst.ImportEncrypted(env, "correct horse")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if id != "demo-1" {
		t.Fatalf("expected demo-1, got %s", id)
	}
	imported, err := dst.LoadPrivate("demo-1")
	if err != nil {
		t.Fatalf("load imported key: %v", err)
	}
	original, err := src.LoadPrivate("demo-1")
	if err != nil {
		t.Fatalf("load original key: %v", err)
	}
	if imported.D.Cmp(original.D) != 0 {
		t.Fatal("imported key does not match exported key")
	}
}

func TestBackupWrongPassphrase(t *testing.T) {
	src := newTestStore(t)
	if _, _, err := src.Generate("demo-1", MinKeyBits); err != nil {
		t.Fatalf("generate: %v", err)
	}
	env, err := src.ExportEncrypted("demo-1", "right")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	dst := New(filepath.Join(t.TempDir(), "keys"))
	if _, err := dst.ImportEncrypted(env, "wrong"); !errors.Is(err, ErrBackupAuthFailed) {
		t.Fatalf("expected ErrBackupAuthFailed, got %v", err)
	}
}

func TestBackupImportRefusesOverwrite(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Generate("demo-1", MinKeyBits); err != nil {
		t.Fatalf("generate: %v", err)
	}
	env, err := s.ExportEncrypted("demo-1", "pass")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := s.ImportEncrypted(env, "pass"); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}
