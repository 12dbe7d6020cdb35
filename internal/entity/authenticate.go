package entity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"openbot-social/go-sdk/internal/authcrypto"
	"openbot-social/go-sdk/internal/keystore"
	"openbot-social/go-sdk/pkg/models"
)

// Authenticate proves possession of the entity's private key via
// challenge-response and commits the resulting session to the cache.
// The flow per call, with no state carried between calls:
//
//  1. request a challenge (RSA-OAEP ciphertext of a random nonce)
//  2. decrypt it locally, hex-encode the nonce
//  3. sign the hex nonce with RSA-PKCS1v15/SHA-256
//  4. submit the signature for this challenge id
//  5. unwrap the session payload if the server encrypted it
//  6. store the session and start the refresh loop if enabled
func (m *Manager) Authenticate(entityID string) (models.Session, error) {
	priv, err := m.keys.LoadPrivate(entityID)
	if err != nil {
		return models.Session{}, err
	}

	status, body, err := m.postJSON("/auth/challenge", challengeRequest{EntityID: entityID}, "")
	if err != nil {
		return models.Session{}, err
	}
	if status != http.StatusOK {
		return models.Session{}, fmt.Errorf("%w: challenge request: %s", ErrAuthenticationFailed, serverMessage(body, fmt.Sprintf("status %d", status)))
	}
	var challenge challengeResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return models.Session{}, fmt.Errorf("%w: malformed challenge response", ErrAuthenticationFailed)
	}
	if strings.TrimSpace(challenge.ChallengeID) == "" || strings.TrimSpace(challenge.EncryptedChallenge) == "" {
		return models.Session{}, fmt.Errorf("%w: challenge response is missing challenge_id or encrypted_challenge", ErrAuthenticationFailed)
	}

	nonce, err := authcrypto.DecryptChallenge(priv, challenge.EncryptedChallenge)
	if err != nil {
		return models.Session{}, err
	}
	signature, err := authcrypto.SignNonce(priv, nonce)
	if err != nil {
		return models.Session{}, err
	}

	status, body, err = m.postJSON("/auth/session", sessionRequest{
		EntityID:    entityID,
		ChallengeID: challenge.ChallengeID,
		Signature:   signature,
	}, "")
	if err != nil {
		return models.Session{}, err
	}
	if status != http.StatusOK {
		authFailures.Inc()
		return models.Session{}, fmt.Errorf("%w: %s", ErrAuthenticationFailed, serverMessage(body, fmt.Sprintf("status %d", status)))
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Session{}, fmt.Errorf("%w: malformed session response", ErrAuthenticationFailed)
	}
	payload := resp.sessionPayload
	if resp.Encrypted {
		plaintext, err := authcrypto.Unwrap(priv, resp.EncryptedData, resp.EncryptedKey, resp.IV, resp.AuthTag)
		if err != nil {
			return models.Session{}, err
		}
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return models.Session{}, fmt.Errorf("%w: decrypted session payload is malformed", ErrAuthenticationFailed)
		}
	}
	if err := payload.validate(); err != nil {
		return models.Session{}, err
	}
	expiresAt, err := payload.expiry()
	if err != nil {
		return models.Session{}, err
	}

	session := models.Session{
		EntityID:  entityID,
		Token:     payload.SessionToken,
		ExpiresAt: expiresAt,
	}
	m.mu.Lock()
	m.sessions[entityID] = session
	m.mu.Unlock()
	authSuccesses.Inc()

	attrs := []any{"entity_id", entityID, "expires_at", expiresAt}
	if pubPEM, err := m.keys.LoadPublicPEM(entityID); err == nil {
		if fp, err := keystore.Fingerprint(pubPEM); err == nil {
			attrs = append(attrs, "key_fingerprint", fp)
		}
	}
	m.log.Info("authenticated", attrs...)

	if m.autoRefresh {
		m.startRefreshLoop()
	}
	return session, nil
}
