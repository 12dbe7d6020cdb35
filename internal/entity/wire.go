package entity

import (
	"fmt"
	"strings"
	"time"
)

// Server response shapes. Required fields are validated at this boundary;
// a response with missing keys is rejected rather than processed with
// zero values.

type serverError struct {
	Error string `json:"error"`
}

type createEntityRequest struct {
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key"`
}

type createEntityResponse struct {
	Success     bool   `json:"success"`
	NumericID   int64  `json:"numeric_id"`
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

type challengeRequest struct {
	EntityID string `json:"entity_id"`
}

type challengeResponse struct {
	ChallengeID        string `json:"challenge_id"`
	EncryptedChallenge string `json:"encrypted_challenge"`
	Error              string `json:"error"`
}

type sessionRequest struct {
	EntityID    string `json:"entity_id"`
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
}

// sessionResponse is either a plaintext session payload or a hybrid
// encrypted envelope, discriminated by the encrypted flag. An absent flag
// means not encrypted.
type sessionResponse struct {
	Encrypted     bool   `json:"encrypted"`
	EncryptedData string `json:"encryptedData"`
	EncryptedKey  string `json:"encryptedKey"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	sessionPayload
	Error string `json:"error"`
}

type sessionPayload struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    string `json:"expires_at"`
}

func (p sessionPayload) validate() error {
	if strings.TrimSpace(p.SessionToken) == "" {
		return fmt.Errorf("%w: session payload is missing session_token", ErrAuthenticationFailed)
	}
	if strings.TrimSpace(p.ExpiresAt) == "" {
		return fmt.Errorf("%w: session payload is missing expires_at", ErrAuthenticationFailed)
	}
	return nil
}

func (p sessionPayload) expiry() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, p.ExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expires_at %q is not a valid timestamp", ErrAuthenticationFailed, p.ExpiresAt)
	}
	return ts, nil
}

type entityEnvelope struct {
	Entity *struct {
		NumericID   int64  `json:"numeric_id"`
		EntityID    string `json:"entity_id"`
		EntityType  string `json:"entity_type"`
		DisplayName string `json:"display_name"`
	} `json:"entity"`
}

type entitiesEnvelope struct {
	Entities []struct {
		NumericID   int64  `json:"numeric_id"`
		EntityID    string `json:"entity_id"`
		EntityType  string `json:"entity_type"`
		DisplayName string `json:"display_name"`
	} `json:"entities"`
}
