package keystore

import (
	"crypto/sha256"
	"encoding/pem"
	"errors"

	"github.com/mr-tron/base58/base58"
)

const fingerprintPrefix = "obk1"

// Fingerprint derives a short, log-friendly identifier from a public key
// PEM: base58 of the SHA-256 of the SubjectPublicKeyInfo bytes.
func Fingerprint(publicPEM string) (string, error) {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		return "", errors.New("public key is not valid PEM")
	}
	h := sha256.Sum256(block.Bytes)
	return fingerprintPrefix + base58.Encode(h[:]), nil
}
