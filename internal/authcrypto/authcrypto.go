// Package authcrypto holds the client-side primitives of challenge-response
// authentication: RSA-OAEP challenge decryption, PKCS1v15 nonce signing, and
// hybrid RSA+AES-GCM response unwrapping. The private key never leaves the
// process; the signature is the only secret-dependent artifact transmitted.
package authcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCrypto marks decryption or signing failures. These usually mean a key
// mismatch or corrupted transport and must never be downgraded to a default
// value or partial plaintext.
var ErrCrypto = errors.New("crypto operation failed")

// DecryptChallenge RSA-OAEP/SHA-256 decrypts a base64 challenge ciphertext
// and returns the plaintext nonce as a hex string.
func DecryptChallenge(priv *rsa.PrivateKey, encryptedB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return "", fmt.Errorf("%w: challenge is not valid base64: %v", ErrCrypto, err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: challenge decryption: %v", ErrCrypto, err)
	}
	return hex.EncodeToString(plaintext), nil
}

// SignNonce signs the UTF-8 bytes of nonce with RSA-PKCS1v15/SHA-256 and
// returns the signature base64-encoded.
func SignNonce(priv *rsa.PrivateKey, nonce string) (string, error) {
	digest := sha256.Sum256([]byte(nonce))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: nonce signing: %v", ErrCrypto, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Unwrap decrypts a hybrid-encrypted payload: the AES-256 key is RSA-OAEP
// encrypted, the body is AES-GCM with ciphertext and tag transmitted
// separately and no associated data. GCM's integrity check is the sole
// tamper detection; any failure is ErrCrypto, never best-effort plaintext.
// The returned bytes are a validated JSON document.
func Unwrap(priv *rsa.PrivateKey, encryptedDataB64, encryptedKeyB64, ivB64, authTagB64 string) ([]byte, error) {
	wrappedKey, err := decodeField("encrypted key", encryptedKeyB64)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeField("encrypted data", encryptedDataB64)
	if err != nil {
		return nil, err
	}
	iv, err := decodeField("iv", ivB64)
	if err != nil {
		return nil, err
	}
	tag, err := decodeField("auth tag", authTagB64)
	if err != nil {
		return nil, err
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: AES key unwrap: %v", ErrCrypto, err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("%w: unwrapped AES key is %d bytes, expected 32", ErrCrypto, len(aesKey))
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	// GCM expects ciphertext || tag.
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload decryption: %v", ErrCrypto, err)
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: decrypted payload is not JSON", ErrCrypto)
	}
	return plaintext, nil
}

func decodeField(name, b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64: %v", ErrCrypto, name, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCrypto, name)
	}
	return raw, nil
}
