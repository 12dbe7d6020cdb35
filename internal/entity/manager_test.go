package entity

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"openbot-social/go-sdk/internal/keystore"
)

// worldServer is a minimal stand-in for the real server: it registers public
// keys, issues OAEP-encrypted challenges, and verifies signatures before
// handing out sessions.
type worldServer struct {
	t  *testing.T
	mu sync.Mutex

	pubKeys      map[string]*rsa.PublicKey
	nonces       map[string]string // challenge_id -> expected hex nonce
	nextNonce    []byte
	encryptBody  bool
	sessionToken string
	expiresAt    string

	refreshToken     string
	refreshExpiresAt string
	refreshCalls     int
	revokeCalls      int
}

func newWorldServer(t *testing.T) *worldServer {
	t.Helper()
	return &worldServer{
		t:                t,
		pubKeys:          map[string]*rsa.PublicKey{},
		nonces:           map[string]string{},
		nextNonce:        []byte("abc123"),
		sessionToken:     "tok-xyz",
		expiresAt:        "2099-01-01T00:00:00+00:00",
		refreshToken:     "tok-refreshed",
		refreshExpiresAt: "2099-06-01T00:00:00+00:00",
	}
}

func (w *worldServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /entity/create", w.handleCreate)
	mux.HandleFunc("POST /auth/challenge", w.handleChallenge)
	mux.HandleFunc("POST /auth/session", w.handleSession)
	mux.HandleFunc("POST /auth/refresh", w.handleRefresh)
	mux.HandleFunc("DELETE /auth/session", w.handleRevoke)
	return mux
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (w *worldServer) handleCreate(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID  string `json:"entity_id"`
		PublicKey string `json:"public_key"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "bad request"})
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.pubKeys[req.EntityID]; exists {
		writeJSON(rw, http.StatusConflict, map[string]any{"error": "entity_id already taken"})
		return
	}
	block, _ := pem.Decode([]byte(req.PublicKey))
	if block == nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "bad public key"})
		return
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "bad public key"})
		return
	}
	w.pubKeys[req.EntityID] = parsed.(*rsa.PublicKey)
	writeJSON(rw, http.StatusCreated, map[string]any{"success": true, "numeric_id": int64(len(w.pubKeys))})
}

func (w *worldServer) handleChallenge(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID string `json:"entity_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	w.mu.Lock()
	defer w.mu.Unlock()
	pub, ok := w.pubKeys[req.EntityID]
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": "unknown entity"})
		return
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, w.nextNonce, nil)
	if err != nil {
		w.t.Fatalf("encrypt challenge: %v", err)
	}
	challengeID := "c1"
	w.nonces[challengeID] = hex.EncodeToString(w.nextNonce)
	writeJSON(rw, http.StatusOK, map[string]any{
		"challenge_id":        challengeID,
		"encrypted_challenge": base64.StdEncoding.EncodeToString(ciphertext),
	})
}

func (w *worldServer) handleSession(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID    string `json:"entity_id"`
		ChallengeID string `json:"challenge_id"`
		Signature   string `json:"signature"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	w.mu.Lock()
	defer w.mu.Unlock()
	pub := w.pubKeys[req.EntityID]
	nonce, ok := w.nonces[req.ChallengeID]
	if pub == nil || !ok {
		writeJSON(rw, http.StatusUnauthorized, map[string]any{"error": "unknown challenge"})
		return
	}
	delete(w.nonces, req.ChallengeID)
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeJSON(rw, http.StatusUnauthorized, map[string]any{"error": "bad signature encoding"})
		return
	}
	digest := sha256.Sum256([]byte(nonce))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		writeJSON(rw, http.StatusUnauthorized, map[string]any{"error": "signature verification failed"})
		return
	}

	payload := map[string]any{"session_token": w.sessionToken, "expires_at": w.expiresAt}
	if !w.encryptBody {
		writeJSON(rw, http.StatusOK, payload)
		return
	}
	plaintext, _ := json.Marshal(payload)
	aesKey := make([]byte, 32)
	iv := make([]byte, 12)
	_, _ = rand.Read(aesKey)
	_, _ = rand.Read(iv)
	block, _ := aes.NewCipher(aesKey)
	gcm, _ := cipher.NewGCM(block)
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		w.t.Fatalf("wrap aes key: %v", err)
	}
	b64 := base64.StdEncoding.EncodeToString
	writeJSON(rw, http.StatusOK, map[string]any{
		"encrypted":     true,
		"encryptedData": b64(ciphertext),
		"encryptedKey":  b64(wrapped),
		"iv":            b64(iv),
		"authTag":       b64(tag),
	})
}

func (w *worldServer) handleRefresh(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refreshCalls++
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeJSON(rw, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"session_token": w.refreshToken,
		"expires_at":    w.refreshExpiresAt,
	})
}

func (w *worldServer) handleRevoke(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	w.revokeCalls++
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

type testEnv struct {
	world   *worldServer
	manager *Manager
	keys    *keystore.Store
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	world := newWorldServer(t)
	srv := httptest.NewServer(world.handler())
	t.Cleanup(srv.Close)

	keys := keystore.New(filepath.Join(t.TempDir(), "keys"))
	cfg := DefaultConfig(srv.URL)
	cfg.AutoRefresh = false
	if mutate != nil {
		mutate(&cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, keys, log)
	t.Cleanup(m.Stop)
	return &testEnv{world: world, manager: m, keys: keys}
}

func TestCreateEntityThenAuthenticate(t *testing.T) {
	env := newTestEnv(t, nil)
	record, err := env.manager.CreateEntity("demo-1", "Cool Lobster", "")
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if record.EntityID != "demo-1" || record.EntityType != "lobster" {
		t.Fatalf("unexpected record: %+v", record)
	}

	session, err := env.manager.Authenticate("demo-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.Token != "tok-xyz" {
		t.Fatalf("expected tok-xyz, got %q", session.Token)
	}
	header := env.manager.AuthHeader("demo-1")
	if header["Authorization"] != "Bearer tok-xyz" {
		t.Fatalf("unexpected auth header: %v", header)
	}
}

func TestCreateEntityConflictIsAlreadyExists(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	keyPath, _ := env.keys.PathFor("demo-1")
	before, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}

	_, err = env.manager.CreateEntity("demo-1", "Cool Lobster", "")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	after, _ := os.ReadFile(keyPath)
	if string(before) != string(after) {
		t.Fatal("re-create must not touch the local key pair")
	}

	// The prescribed recovery still works: authenticate with the local key.
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate after conflict: %v", err)
	}
}

func TestAuthenticateEncryptedSessionPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	env.world.encryptBody = true
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	session, err := env.manager.Authenticate("demo-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.Token != "tok-xyz" {
		t.Fatalf("expected tok-xyz from encrypted payload, got %q", session.Token)
	}
}

func TestAuthenticateWithoutKeyIsKeyNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.manager.Authenticate("ghost-1")
	if !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestAuthenticateServerRejection(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	// A second key pair under the same id on another store simulates a key
	// mismatch: the signature will not verify against the registered key.
	otherKeys := keystore.New(filepath.Join(t.TempDir(), "keys"))
	if _, _, err := otherKeys.Generate("demo-1", keystore.MinKeyBits); err != nil {
		t.Fatalf("generate mismatched key: %v", err)
	}
	env.manager.keys = otherKeys

	_, err := env.manager.Authenticate("demo-1")
	if err == nil {
		t.Fatal("expected failure with mismatched key")
	}
	// Either the OAEP decrypt fails locally (crypto error) or the server
	// rejects the signature; both must surface, never a silent session.
	if env.manager.Token("demo-1") != "" {
		t.Fatal("no session must be cached after failed authentication")
	}
}

func TestTokenEvictsExpiredSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.world.expiresAt = "2026-03-01T13:00:00+00:00"
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	env.manager.now = func() time.Time { return time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) }
	if token := env.manager.Token("demo-1"); token != "" {
		t.Fatalf("expected empty token after expiry, got %q", token)
	}
	env.manager.mu.Lock()
	_, still := env.manager.sessions["demo-1"]
	env.manager.mu.Unlock()
	if still {
		t.Fatal("expired session must be evicted, not just marked stale")
	}
	if header := env.manager.AuthHeader("demo-1"); len(header) != 0 {
		t.Fatalf("expected empty header map, got %v", header)
	}
}

func TestTokenRefreshesInsideMargin(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AutoRefresh = true
		cfg.RefreshMargin = time.Hour
		// Long sweep so only the lazy path can trigger the refresh.
		cfg.SweepInterval = time.Hour
	})
	env.world.expiresAt = "2026-03-01T12:30:00+00:00"
	env.world.refreshExpiresAt = "2026-03-01T16:00:00+00:00"
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// 1800s remaining with a 3600s margin: Token must refresh first.
	env.manager.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	if token := env.manager.Token("demo-1"); token != "tok-refreshed" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	env.world.mu.Lock()
	calls := env.world.refreshCalls
	env.world.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", calls)
	}
}

func TestRefreshWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.manager.Refresh("demo-1")
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRefreshReplacesSessionWholesale(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	refreshed, err := env.manager.Refresh("demo-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Token != "tok-refreshed" {
		t.Fatalf("expected tok-refreshed, got %q", refreshed.Token)
	}
	if token := env.manager.Token("demo-1"); token != "tok-refreshed" {
		t.Fatalf("cache must hold the replaced session, got %q", token)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.manager.Revoke("demo-1") {
		t.Fatal("revoke without a session must report false")
	}

	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !env.manager.Revoke("demo-1") {
		t.Fatal("revoke with a session must report true")
	}
	if token := env.manager.Token("demo-1"); token != "" {
		t.Fatalf("expected evicted session, got token %q", token)
	}
	env.world.mu.Lock()
	revokes := env.world.revokeCalls
	env.world.mu.Unlock()
	if revokes != 1 {
		t.Fatalf("expected one revoke call, got %d", revokes)
	}
}

func TestNetworkFailureIsRetryableCategory(t *testing.T) {
	keys := keystore.New(filepath.Join(t.TempDir(), "keys"))
	if _, _, err := keys.Generate("demo-1", keystore.MinKeyBits); err != nil {
		t.Fatalf("generate: %v", err)
	}
	cfg := DefaultConfig("http://127.0.0.1:1")
	cfg.AutoRefresh = false
	cfg.HTTPTimeout = 500 * time.Millisecond
	m := NewManager(cfg, keys, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer m.Stop()

	_, err := m.Authenticate("demo-1")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		t.Fatal("network failures must stay distinct from authentication rejections")
	}
}

func TestStopJoinsRefreshLoop(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AutoRefresh = true
		cfg.SweepInterval = 10 * time.Millisecond
	})
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	env.manager.refreshMu.Lock()
	running := env.manager.refreshRunning
	env.manager.refreshMu.Unlock()
	if !running {
		t.Fatal("refresh loop should be running after authenticate")
	}
	env.manager.Stop()
	env.manager.Stop() // second stop is a no-op
}

func TestBackgroundSweepRefreshesExpiringSessions(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AutoRefresh = true
		cfg.RefreshMargin = time.Hour
		cfg.SweepInterval = time.Hour
	})
	env.world.expiresAt = "2026-03-01T12:30:00+00:00"
	env.world.refreshExpiresAt = "2026-03-01T16:00:00+00:00"
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	env.manager.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	env.manager.sweepOnce()

	env.manager.mu.Lock()
	session := env.manager.sessions["demo-1"]
	env.manager.mu.Unlock()
	if session.Token != "tok-refreshed" {
		t.Fatalf("sweep should have refreshed the session, got %q", session.Token)
	}
}

func TestSweepSkipsExpiredSessions(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AutoRefresh = true
		cfg.SweepInterval = time.Hour
	})
	env.world.expiresAt = "2026-03-01T12:30:00+00:00"
	if _, err := env.manager.CreateEntity("demo-1", "Cool Lobster", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Authenticate("demo-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	env.manager.now = func() time.Time { return time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC) }
	env.manager.sweepOnce()

	env.world.mu.Lock()
	calls := env.world.refreshCalls
	env.world.mu.Unlock()
	if calls != 0 {
		t.Fatalf("sweep must not refresh already-expired sessions, got %d calls", calls)
	}
}
