package models

import (
	"errors"
	"regexp"
	"time"
)

var ErrInvalidEntityID = errors.New("invalid entity id")

var entityIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// ValidateEntityID enforces the server's identifier rules before any key
// material or network call is tied to the id.
func ValidateEntityID(entityID string) error {
	if !entityIDPattern.MatchString(entityID) {
		return ErrInvalidEntityID
	}
	return nil
}

// Session is the bearer credential issued after challenge-response
// authentication. Sessions live only in memory; a new process re-authenticates.
type Session struct {
	EntityID  string    `json:"entity_id"`
	Token     string    `json:"session_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// EntityRecord is the server's view of a registered entity.
type EntityRecord struct {
	NumericID   int64  `json:"numeric_id,omitempty"`
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Challenge is ephemeral: requested, consumed by one signature submission,
// never stored beyond the authenticate call.
type Challenge struct {
	ChallengeID        string `json:"challenge_id"`
	EncryptedChallenge string `json:"encrypted_challenge"`
}

// Position is a location in the world. Movement and distance operate on the
// XZ plane; Y is height.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type WorldSize struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AgentState is a spawned agent as reported by world-state polls.
type AgentState struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	State    string   `json:"state,omitempty"`
}

// NearbyAgent is an AgentState annotated with XZ distance from the observer.
type NearbyAgent struct {
	AgentState
	Distance float64 `json:"distance"`
}

// ChatMessage timestamps are server-issued and in milliseconds.
type ChatMessage struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
