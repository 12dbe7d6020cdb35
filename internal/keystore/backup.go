package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"openbot-social/go-sdk/pkg/models"
)

// Key backups let an operator move an entity between machines without ever
// relaxing the plaintext-at-rest layout of the store itself: the envelope is
// passphrase-encrypted and only exists in transit.

const (
	backupVersion = 1
	backupPrefix  = "OBKEY1\n"
	backupSalt    = 16
)

var (
	ErrBackupInvalid    = errors.New("key backup envelope is invalid")
	ErrBackupAuthFailed = errors.New("key backup authentication failed")
)

type backupEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type backupPayload struct {
	EntityID   string `json:"entity_id"`
	PrivatePEM string `json:"private_pem"`
	PublicPEM  string `json:"public_pem"`
}

// ExportEncrypted wraps the entity's key pair in a passphrase-protected
// envelope (argon2id + XChaCha20-Poly1305).
func (s *Store) ExportEncrypted(entityID, passphrase string) ([]byte, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("backup passphrase is required")
	}
	privPath, ok := s.PathFor(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: no private key for entity %q", ErrKeyNotFound, entityID)
	}
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	pubPEM, err := s.LoadPublicPEM(entityID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(backupPayload{
		EntityID:   entityID,
		PrivatePEM: string(privPEM),
		PublicPEM:  pubPEM,
	})
	if err != nil {
		return nil, err
	}

	salt := make([]byte, backupSalt)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveBackupKey(passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := backupEnvelope{
		Version:     backupVersion,
		KDF:         "argon2id",
		KDFTime:     2,
		KDFMemoryKB: 64 * 1024,
		KDFThreads:  1,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, payload, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(backupPrefix), raw...), nil
}

// ImportEncrypted restores a key pair from an exported envelope. It refuses
// to overwrite an existing pair for the same entity.
func (s *Store) ImportEncrypted(data []byte, passphrase string) (string, error) {
	if !strings.HasPrefix(string(data), backupPrefix) {
		return "", ErrBackupInvalid
	}
	var env backupEnvelope
	if err := json.Unmarshal(data[len(backupPrefix):], &env); err != nil {
		return "", ErrBackupInvalid
	}
	if env.Version != backupVersion || env.KDF != "argon2id" {
		return "", ErrBackupInvalid
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrBackupInvalid
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return "", ErrBackupAuthFailed
	}
	var payload backupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", ErrBackupInvalid
	}
	if err := models.ValidateEntityID(payload.EntityID); err != nil {
		return "", ErrBackupInvalid
	}
	if _, err := ParsePrivatePEM([]byte(payload.PrivatePEM)); err != nil {
		return "", ErrBackupInvalid
	}

	if _, exists := s.PathFor(payload.EntityID); exists {
		return "", fmt.Errorf("%w for entity %q", ErrKeyExists, payload.EntityID)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(s.privatePath(payload.EntityID), []byte(payload.PrivatePEM), 0o600); err != nil {
		return "", err
	}
	if err := os.WriteFile(s.publicPath(payload.EntityID), []byte(payload.PublicPEM), 0o644); err != nil {
		return "", err
	}
	return payload.EntityID, nil
}

func deriveBackupKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
