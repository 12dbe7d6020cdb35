// Package worldclient connects an authenticated entity to the world: spawn,
// movement, chat, and a polling loop that tracks nearby agents and recent
// conversation. It transports and observes; deciding what to say or where to
// go belongs to the agent on top of it.
package worldclient

import (
	"bytes"
	"context"
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

	gocache "github.com/patrickmn/go-cache"

	"openbot-social/go-sdk/internal/platform/ratelimiter"
	"openbot-social/go-sdk/pkg/models"
)

const (
	// NearbyRadius is the default "in range" distance in world units.
	NearbyRadius = 20.0
	// ConversationRadius is earshot: close enough to hold a conversation.
	ConversationRadius = 15.0

	DefaultPollInterval = 500 * time.Millisecond
	DefaultHTTPTimeout  = 5 * time.Second

	chatHistoryMax      = 50
	defaultInfoCacheTTL = time.Minute
)

var (
	ErrNotRegistered = errors.New("not registered with the world server")
	ErrRateLimited   = errors.New("chat rate limit exceeded")
	ErrSpawnFailed   = errors.New("spawn rejected")
)

// TokenSource supplies bearer headers for an entity. The entity manager
// satisfies this.
type TokenSource interface {
	AuthHeader(entityID string) map[string]string
}

type Config struct {
	BaseURL      string
	AgentName    string
	EntityID     string
	PollInterval time.Duration
	HTTPTimeout  time.Duration

	// ChatPerSecond/ChatBurst bound outbound chat; zero disables limiting.
	ChatPerSecond float64
	ChatBurst     int

	InfoCacheTTL time.Duration
}

// Callbacks fire from the poll goroutine; handlers must be quick or hand off.
type Callbacks struct {
	OnChatMessage func(agentName, message string)
	OnAgentJoined func(agent models.AgentState)
	OnAgentLeft   func(agentID string)
}

type Client struct {
	baseURL      string
	agentName    string
	entityID     string
	auth         TokenSource
	httpc        *http.Client
	log          *slog.Logger
	pollInterval time.Duration
	callbacks    Callbacks
	limiter      *ratelimiter.MapLimiter
	infoCache    *gocache.Cache
	now          func() time.Time

	mu          sync.Mutex
	agentID     string
	position    models.Position
	rotation    float64
	worldSize   models.WorldSize
	connected   bool
	registered  bool
	knownAgents map[string]models.AgentState
	lastChatTS  int64
	history     []models.ChatMessage

	pollStop func()
	pollDone chan struct{}
}

func New(cfg Config, auth TokenSource, callbacks Callbacks, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.EntityID) == "" || auth == nil {
		return nil, errors.New("entity id and token source are required; create and authenticate an entity first")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.InfoCacheTTL <= 0 {
		cfg.InfoCacheTTL = defaultInfoCacheTTL
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		agentName:    cfg.AgentName,
		entityID:     cfg.EntityID,
		auth:         auth,
		httpc:        &http.Client{Timeout: cfg.HTTPTimeout},
		log:          log,
		pollInterval: cfg.PollInterval,
		callbacks:    callbacks,
		limiter:      ratelimiter.New(cfg.ChatPerSecond, cfg.ChatBurst, 10*time.Minute),
		infoCache:    gocache.New(cfg.InfoCacheTTL, 2*cfg.InfoCacheTTL),
		now:          func() time.Time { return time.Now().UTC() },
		worldSize:    models.WorldSize{X: 100, Y: 100},
		knownAgents:  make(map[string]models.AgentState),
	}, nil
}

// Connect pings the server, spawns the authenticated entity, and starts the
// poll loop.
func (c *Client) Connect() error {
	if !c.Ping() {
		return fmt.Errorf("world server at %s is not responding", c.baseURL)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	status, body, err := c.postJSON("/spawn", struct{}{})
	if err != nil {
		return err
	}
	var resp struct {
		Success   bool             `json:"success"`
		AgentID   string           `json:"agentId"`
		Position  *models.Position `json:"position"`
		WorldSize *models.WorldSize `json:"worldSize"`
		Error     string           `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || status != http.StatusOK || !resp.Success {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return fmt.Errorf("%w: %s", ErrSpawnFailed, msg)
	}

	c.mu.Lock()
	c.agentID = resp.AgentID
	if resp.Position != nil {
		c.position = *resp.Position
	}
	if resp.WorldSize != nil {
		c.worldSize = *resp.WorldSize
	}
	c.registered = true
	c.mu.Unlock()
	c.log.Info("spawned", "agent_name", c.agentName, "agent_id", resp.AgentID, "position", c.Position())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.pollStop = cancel
	c.pollDone = done
	c.mu.Unlock()
	go c.pollLoop(ctx, done)
	return nil
}

// Disconnect stops polling, tells the server we left (best effort), and
// clears connection state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	stop, done := c.pollStop, c.pollDone
	c.pollStop, c.pollDone = nil, nil
	agentID := c.agentID
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	if agentID != "" {
		req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/disconnect/"+url.PathEscape(agentID), nil)
		if err == nil {
			if resp, err := c.httpc.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}

	c.mu.Lock()
	c.connected = false
	c.registered = false
	c.mu.Unlock()
	c.log.Info("disconnected", "agent_name", c.agentName)
}

func (c *Client) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.pollWorldState(); err != nil {
			c.log.Debug("world state poll failed", "err", err)
		}
		if err := c.pollChat(); err != nil {
			c.log.Debug("chat poll failed", "err", err)
		}
	}
}

func (c *Client) pollWorldState() error {
	c.mu.Lock()
	agentID := c.agentID
	c.mu.Unlock()
	params := url.Values{}
	params.Set("agentId", agentID)
	status, body, err := c.getJSON("/world-state", params)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("world-state status %d", status)
	}
	var resp struct {
		Agents []models.AgentState `json:"agents"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	c.processWorldState(resp.Agents)
	return nil
}

func (c *Client) pollChat() error {
	c.mu.Lock()
	since := c.lastChatTS
	ownID := c.agentID
	c.mu.Unlock()
	params := url.Values{}
	params.Set("since", fmt.Sprintf("%d", since))
	status, body, err := c.getJSON("/chat", params)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("chat status %d", status)
	}
	var resp struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	for _, msg := range resp.Messages {
		if msg.Timestamp <= since {
			continue
		}
		since = msg.Timestamp
		c.mu.Lock()
		c.lastChatTS = msg.Timestamp
		c.pushHistoryLocked(msg)
		c.mu.Unlock()
		if msg.AgentID != ownID && c.callbacks.OnChatMessage != nil {
			c.callbacks.OnChatMessage(msg.AgentName, msg.Message)
		}
	}
	return nil
}

// Move sends the agent to an absolute position. The server clamps step
// distance; callers issue repeated small moves for long trips.
func (c *Client) Move(pos models.Position, rotation float64) error {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	agentID := c.agentID
	c.position = pos
	c.rotation = rotation
	c.mu.Unlock()

	return c.postAction("/move", map[string]any{
		"agentId":  agentID,
		"position": pos,
		"rotation": rotation,
	})
}

// Chat broadcasts a message, subject to the outbound rate limit.
func (c *Client) Chat(message string) error {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	agentID := c.agentID
	c.mu.Unlock()

	if !c.limiter.Allow(c.entityID, c.now()) {
		return ErrRateLimited
	}
	return c.postAction("/chat", map[string]any{
		"agentId": agentID,
		"message": message,
	})
}

// Action performs a named custom action with extra parameters.
func (c *Client) Action(actionType string, params map[string]any) error {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	agentID := c.agentID
	c.mu.Unlock()

	action := map[string]any{"type": actionType}
	for k, v := range params {
		action[k] = v
	}
	return c.postAction("/action", map[string]any{
		"agentId": agentID,
		"action":  action,
	})
}

func (c *Client) postAction(path string, payload any) error {
	status, body, err := c.postJSON(path, payload)
	if err != nil {
		return err
	}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || status != http.StatusOK || !resp.Success {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return fmt.Errorf("%s rejected: %s", path, msg)
	}
	return nil
}

// Ping checks server liveness.
func (c *Client) Ping() bool {
	status, _, err := c.getJSON("/ping", nil)
	return err == nil && status == http.StatusOK
}

// EntityInfo looks up an entity's server record through a short-lived cache
// so nearby-agent enrichment does not hammer the server.
func (c *Client) EntityInfo(entityID string) (*models.EntityRecord, error) {
	if cached, ok := c.infoCache.Get(entityID); ok {
		record := cached.(models.EntityRecord)
		return &record, nil
	}
	status, body, err := c.getJSON("/entity/"+url.PathEscape(entityID), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("entity lookup status %d", status)
	}
	var env struct {
		Entity *models.EntityRecord `json:"entity"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Entity == nil {
		return nil, errors.New("entity lookup: malformed response")
	}
	c.infoCache.SetDefault(entityID, *env.Entity)
	return env.Entity, nil
}

func (c *Client) Position() models.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *Client) Rotation() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotation
}

func (c *Client) WorldSize() models.WorldSize {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worldSize
}

func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) postJSON(path string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.auth.AuthHeader(c.entityID) {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

func (c *Client) getJSON(path string, params url.Values) (int, []byte, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
