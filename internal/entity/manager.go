// Package entity implements the entity lifecycle against the world server:
// registration of a public key, RSA challenge-response authentication, and
// session custody with proactive refresh. One Manager owns its session state
// outright; independent managers are fully independent.
package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"openbot-social/go-sdk/internal/keystore"
	"openbot-social/go-sdk/pkg/models"
)

const (
	DefaultRefreshMargin = time.Hour
	DefaultSweepInterval = 5 * time.Minute
	DefaultHTTPTimeout   = 10 * time.Second
	DefaultEntityType    = "lobster"
)

type Config struct {
	BaseURL       string
	AutoRefresh   bool
	RefreshMargin time.Duration
	SweepInterval time.Duration
	HTTPTimeout   time.Duration
}

// DefaultConfig matches the original client defaults: auto-refresh on, one
// hour margin, five minute sweeps.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		AutoRefresh:   true,
		RefreshMargin: DefaultRefreshMargin,
		SweepInterval: DefaultSweepInterval,
		HTTPTimeout:   DefaultHTTPTimeout,
	}
}

type Manager struct {
	baseURL       string
	keys          *keystore.Store
	httpc         *http.Client
	log           *slog.Logger
	autoRefresh   bool
	refreshMargin time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]models.Session

	refreshMu      sync.Mutex
	refreshRunning bool
	refreshStop    func()
	refreshDone    chan struct{}
}

func NewManager(cfg Config, keys *keystore.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	return &Manager{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		keys:          keys,
		httpc:         &http.Client{Timeout: cfg.HTTPTimeout},
		log:           log,
		autoRefresh:   cfg.AutoRefresh,
		refreshMargin: cfg.RefreshMargin,
		sweepInterval: cfg.SweepInterval,
		now:           func() time.Time { return time.Now().UTC() },
		sessions:      make(map[string]models.Session),
	}
}

// CreateEntity generates (or resumes) the local key pair and registers the
// public key with the server. A server-side conflict comes back as
// ErrAlreadyExists; the caller's recovery is to authenticate with the local
// key, which proves ownership where registration deliberately does not.
func (m *Manager) CreateEntity(entityID, displayName, entityType string) (models.EntityRecord, error) {
	if err := models.ValidateEntityID(entityID); err != nil {
		return models.EntityRecord{}, err
	}
	if entityType == "" {
		entityType = DefaultEntityType
	}

	privPath, publicPEM, err := m.keys.Generate(entityID, keystore.MinKeyBits)
	if errors.Is(err, keystore.ErrKeyExists) {
		publicPEM, err = m.keys.LoadPublicPEM(entityID)
		privPath, _ = m.keys.PathFor(entityID)
	}
	if err != nil {
		return models.EntityRecord{}, err
	}

	status, body, err := m.postJSON("/entity/create", createEntityRequest{
		EntityID:    entityID,
		EntityType:  entityType,
		DisplayName: displayName,
		PublicKey:   publicPEM,
	}, "")
	if err != nil {
		return models.EntityRecord{}, err
	}

	var resp createEntityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.EntityRecord{}, fmt.Errorf("%w: malformed create response", ErrRegistrationFailed)
	}
	switch {
	case status == http.StatusCreated && resp.Success:
		m.log.Info("entity created",
			"entity_id", entityID,
			"entity_type", entityType,
			"private_key_path", privPath)
		return models.EntityRecord{
			NumericID:   resp.NumericID,
			EntityID:    entityID,
			EntityType:  entityType,
			DisplayName: displayName,
		}, nil
	case status == http.StatusConflict:
		return models.EntityRecord{EntityID: entityID}, fmt.Errorf("%w: %s", ErrAlreadyExists, serverMessage(body, "already exists"))
	default:
		return models.EntityRecord{}, fmt.Errorf("%w: %s", ErrRegistrationFailed, serverMessage(body, fmt.Sprintf("status %d", status)))
	}
}

// EntityInfo fetches the server record for an entity; a 404 yields nil.
func (m *Manager) EntityInfo(entityID string) (*models.EntityRecord, error) {
	status, body, err := m.getJSON("/entity/"+url.PathEscape(entityID), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("entity lookup failed: %s", serverMessage(body, fmt.Sprintf("status %d", status)))
	}
	var env entityEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Entity == nil {
		return nil, fmt.Errorf("entity lookup failed: malformed response")
	}
	return &models.EntityRecord{
		NumericID:   env.Entity.NumericID,
		EntityID:    env.Entity.EntityID,
		EntityType:  env.Entity.EntityType,
		DisplayName: env.Entity.DisplayName,
	}, nil
}

// ListEntities lists entities on the server, optionally filtered by type.
func (m *Manager) ListEntities(entityType string) ([]models.EntityRecord, error) {
	params := url.Values{}
	if entityType != "" {
		params.Set("type", entityType)
	}
	status, body, err := m.getJSON("/entities", params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("entity listing failed: %s", serverMessage(body, fmt.Sprintf("status %d", status)))
	}
	var env entitiesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("entity listing failed: malformed response")
	}
	out := make([]models.EntityRecord, 0, len(env.Entities))
	for _, e := range env.Entities {
		out = append(out, models.EntityRecord{
			NumericID:   e.NumericID,
			EntityID:    e.EntityID,
			EntityType:  e.EntityType,
			DisplayName: e.DisplayName,
		})
	}
	return out, nil
}

// PrivateKeyPath reports the local private key path, empty when absent.
func (m *Manager) PrivateKeyPath(entityID string) string {
	path, _ := m.keys.PathFor(entityID)
	return path
}

// LocalEntities lists entity ids with a local key pair.
func (m *Manager) LocalEntities() ([]string, error) {
	return m.keys.ListEntities()
}

// Stop cancels the auto-refresh loop and waits for it to exit. Safe to call
// multiple times and before any authentication.
func (m *Manager) Stop() {
	m.refreshMu.Lock()
	stop, done := m.refreshStop, m.refreshDone
	m.refreshStop, m.refreshDone = nil, nil
	m.refreshRunning = false
	m.refreshMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

func (m *Manager) postJSON(path string, payload any, bearer string) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, m.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return m.do(req)
}

func (m *Manager) getJSON(path string, params url.Values) (int, []byte, error) {
	target := m.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	return m.do(req)
}

func (m *Manager) do(req *http.Request) (int, []byte, error) {
	resp, err := m.httpc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return resp.StatusCode, body, nil
}

func serverMessage(body []byte, fallback string) string {
	var se serverError
	if err := json.Unmarshal(body, &se); err == nil && strings.TrimSpace(se.Error) != "" {
		return se.Error
	}
	return fallback
}
