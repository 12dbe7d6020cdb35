package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"openbot-social/go-sdk/pkg/models"
)

const (
	MinKeyBits = 2048

	privateSuffix = ".pem"
	publicSuffix  = ".pub.pem"

	privatePEMType = "PRIVATE KEY"
	publicPEMType  = "PUBLIC KEY"
)

var (
	// ErrKeyExists means a key pair is already on disk for the entity.
	// Callers recover by loading the existing key, never by overwriting.
	ErrKeyExists = errors.New("key pair already exists")

	// ErrKeyNotFound is fatal for the affected entity: a lost private key
	// cannot be reconstructed and entity ownership is gone with it.
	ErrKeyNotFound = errors.New("key pair not found")
)

// Store keeps one RSA key pair per entity id under a single directory.
// Private keys are written unencrypted (PKCS8 PEM); file modes are the
// only protection, so the directory is 0700 and private keys 0600.
type Store struct {
	dir string
}

// DefaultDir is ~/.openbot/keys.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".openbot", "keys"), nil
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// Generate creates a new key pair for entityID and writes it to disk.
// It returns the private key path and the public key PEM. If a private key
// file already exists the call fails with ErrKeyExists and leaves the
// existing pair untouched.
func (s *Store) Generate(entityID string, bits int) (string, string, error) {
	if err := models.ValidateEntityID(entityID); err != nil {
		return "", "", err
	}
	if bits < MinKeyBits {
		return "", "", fmt.Errorf("key size %d is below the %d-bit minimum", bits, MinKeyBits)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}

	privPath := s.privatePath(entityID)
	pubPath := s.publicPath(entityID)

	// Claim the final path exclusively so two processes racing to create the
	// same entity cannot interleave: the loser sees ErrKeyExists and falls
	// back to the existing key.
	claim, err := os.OpenFile(privPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("%w for entity %q at %s", ErrKeyExists, entityID, privPath)
		}
		return "", "", fmt.Errorf("claim private key path: %w", err)
	}
	if err := claim.Close(); err != nil {
		return "", "", err
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		_ = os.Remove(privPath)
		return "", "", fmt.Errorf("generate rsa key: %w", err)
	}
	privPEM, pubPEM, err := encodeKeyPair(key)
	if err != nil {
		_ = os.Remove(privPath)
		return "", "", err
	}

	// Write to a temp file and rename over the claimed path so a crash
	// mid-write never leaves a truncated private key behind the claim.
	tmp := privPath + ".tmp"
	if err := os.WriteFile(tmp, privPEM, 0o600); err != nil {
		_ = os.Remove(privPath)
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.Rename(tmp, privPath); err != nil {
		_ = os.Remove(tmp)
		_ = os.Remove(privPath)
		return "", "", fmt.Errorf("commit private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privPath, string(pubPEM), nil
}

// LoadPrivate reads and parses the entity's private key. A missing file is
// ErrKeyNotFound, which callers must treat as unrecoverable key loss.
func (s *Store) LoadPrivate(entityID string) (*rsa.PrivateKey, error) {
	if err := models.ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	privPath := s.privatePath(entityID)
	raw, err := os.ReadFile(privPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no private key for entity %q at %s; a lost key cannot be recovered", ErrKeyNotFound, entityID, privPath)
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivatePEM(raw)
}

// LoadPublicPEM returns the entity's public key PEM.
func (s *Store) LoadPublicPEM(entityID string) (string, error) {
	if err := models.ValidateEntityID(entityID); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(s.publicPath(entityID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: no public key for entity %q", ErrKeyNotFound, entityID)
		}
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(raw), nil
}

// PathFor reports the private key path and whether it exists. It never
// fails: callers use it to decide between create and resume.
func (s *Store) PathFor(entityID string) (string, bool) {
	if models.ValidateEntityID(entityID) != nil {
		return "", false
	}
	path := s.privatePath(entityID)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// ListEntities enumerates entity ids with a local private key, sorted.
func (s *Store) ListEntities() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, privateSuffix) || strings.HasSuffix(name, publicSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, privateSuffix)
		if models.ValidateEntityID(id) == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) privatePath(entityID string) string {
	return filepath.Join(s.dir, entityID+privateSuffix)
}

func (s *Store) publicPath(entityID string) string {
	return filepath.Join(s.dir, entityID+publicSuffix)
}

func encodeKeyPair(key *rsa.PrivateKey) (privPEM, pubPEM []byte, err error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encode public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// ParsePrivatePEM decodes a PKCS8 RSA private key PEM.
func ParsePrivatePEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("private key is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected RSA", parsed)
	}
	return key, nil
}
