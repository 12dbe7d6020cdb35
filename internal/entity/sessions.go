package entity

import (
	"encoding/json"
	"fmt"
	"net/http"

	"openbot-social/go-sdk/pkg/models"
)

// Token returns the entity's current bearer token, or "" when there is no
// usable session. An expired session is evicted on read. When the remaining
// lifetime is inside the refresh margin and auto-refresh is on, one
// synchronous refresh is attempted first; its failure is logged and
// swallowed so a transient blip never breaks an in-flight caller holding a
// still-valid token.
func (m *Manager) Token(entityID string) string {
	m.mu.Lock()
	session, ok := m.sessions[entityID]
	m.mu.Unlock()
	if !ok {
		return ""
	}

	remaining := session.Remaining(m.now())
	if remaining <= 0 {
		m.mu.Lock()
		if current, ok := m.sessions[entityID]; ok && current.Token == session.Token {
			delete(m.sessions, entityID)
		}
		m.mu.Unlock()
		return ""
	}
	if remaining < m.refreshMargin && m.autoRefresh {
		if _, err := m.Refresh(entityID); err != nil {
			m.log.Warn("auto-refresh failed", "entity_id", entityID, "err", err)
		}
	}

	m.mu.Lock()
	current := m.sessions[entityID]
	m.mu.Unlock()
	return current.Token
}

// AuthHeader returns the Authorization header for the entity, or an empty
// map when it has no usable session.
func (m *Manager) AuthHeader(entityID string) map[string]string {
	token := m.Token(entityID)
	if token == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// Refresh exchanges the current token for a fresh session and replaces the
// cached session wholesale.
func (m *Manager) Refresh(entityID string) (models.Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[entityID]
	m.mu.Unlock()
	if !ok {
		return models.Session{}, fmt.Errorf("%w for entity %q", ErrNoSession, entityID)
	}

	status, body, err := m.postJSON("/auth/refresh", struct{}{}, session.Token)
	if err != nil {
		refreshFailures.Inc()
		return models.Session{}, err
	}
	if status != http.StatusOK {
		refreshFailures.Inc()
		return models.Session{}, fmt.Errorf("%w: refresh: %s", ErrAuthenticationFailed, serverMessage(body, fmt.Sprintf("status %d", status)))
	}
	var payload sessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		refreshFailures.Inc()
		return models.Session{}, fmt.Errorf("%w: malformed refresh response", ErrAuthenticationFailed)
	}
	if err := payload.validate(); err != nil {
		refreshFailures.Inc()
		return models.Session{}, err
	}
	expiresAt, err := payload.expiry()
	if err != nil {
		refreshFailures.Inc()
		return models.Session{}, err
	}

	refreshed := models.Session{
		EntityID:  entityID,
		Token:     payload.SessionToken,
		ExpiresAt: expiresAt,
	}
	m.mu.Lock()
	m.sessions[entityID] = refreshed
	m.mu.Unlock()
	refreshSuccesses.Inc()
	m.log.Info("session refreshed", "entity_id", entityID, "expires_at", expiresAt)
	return refreshed, nil
}

// Revoke tells the server to drop the session (best effort; revocation is
// advisory and network failure is ignored) and unconditionally evicts the
// local entry. It reports whether an entry existed and never fails when
// there was nothing to revoke.
func (m *Manager) Revoke(entityID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[entityID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	req, err := http.NewRequest(http.MethodDelete, m.baseURL+"/auth/session", nil)
	if err == nil {
		req.Header.Set("Authorization", "Bearer "+session.Token)
		if resp, err := m.httpc.Do(req); err == nil {
			resp.Body.Close()
		}
	}

	m.mu.Lock()
	delete(m.sessions, entityID)
	m.mu.Unlock()
	revocations.Inc()
	return true
}

// sessionSnapshot copies the cache for the refresh sweep.
func (m *Manager) sessionSnapshot() map[string]models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Session, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s
	}
	return out
}
