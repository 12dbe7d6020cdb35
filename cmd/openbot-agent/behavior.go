package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"openbot-social/go-sdk/internal/agentconfig"
	"openbot-social/go-sdk/internal/worldclient"
	"openbot-social/go-sdk/pkg/models"
)

const (
	moveInterval    = 2 * time.Second
	chatIntervalMin = 15 * time.Second
	chatIntervalMax = 30 * time.Second
	worldMargin     = 10.0
)

var idleChatter = []string{
	"This ocean floor is beautiful!",
	"Anyone want to race?",
	"The sand feels nice here.",
	"What a lovely day for swimming!",
	"These claws are great!",
	"*waves claws*",
}

var greetingReplies = []string{
	"Hello %s!",
	"Hi there %s, nice to see you!",
	"Greetings %s!",
}

// behavior is a small wander-and-greet loop: pick a random spot, shuffle
// towards it, greet arrivals, and reply to the occasional hello. Chat volume
// stays under the client's outbound rate limit.
type behavior struct {
	cfg agentconfig.Config
	log *slog.Logger
	rng *rand.Rand

	client *worldclient.Client
	target *models.Position
}

func newBehavior(cfg agentconfig.Config, log *slog.Logger) *behavior {
	return &behavior{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *behavior) callbacks() worldclient.Callbacks {
	return worldclient.Callbacks{
		OnChatMessage: b.onChatMessage,
		OnAgentJoined: b.onAgentJoined,
	}
}

func (b *behavior) onChatMessage(agentName, message string) {
	b.log.Info("chat heard", "from", agentName, "message", message)
	if b.client == nil || b.rng.Float64() >= 0.3 {
		return
	}
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "hello") && !strings.Contains(lower, "hi") {
		return
	}
	reply := fmt.Sprintf(greetingReplies[b.rng.Intn(len(greetingReplies))], agentName)
	b.say(reply)
}

func (b *behavior) onAgentJoined(agent models.AgentState) {
	if b.client == nil || b.rng.Float64() >= 0.5 {
		return
	}
	b.say("Welcome " + agent.Name + "!")
}

func (b *behavior) say(message string) {
	err := b.client.Chat(message)
	switch {
	case errors.Is(err, worldclient.ErrRateLimited):
		b.log.Debug("chat suppressed by rate limit")
	case err != nil:
		b.log.Warn("chat failed", "err", err)
	}
}

// loop runs until ctx is cancelled.
func (b *behavior) loop(ctx context.Context, client *worldclient.Client) {
	b.client = client
	b.say(b.cfg.Greeting)

	moveTicker := time.NewTicker(moveInterval)
	defer moveTicker.Stop()
	chatTimer := time.NewTimer(b.nextChatDelay())
	defer chatTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-moveTicker.C:
			if b.cfg.Wander {
				b.step()
			}
		case <-chatTimer.C:
			b.say(idleChatter[b.rng.Intn(len(idleChatter))])
			chatTimer.Reset(b.nextChatDelay())
		}
	}
}

func (b *behavior) nextChatDelay() time.Duration {
	spread := chatIntervalMax - chatIntervalMin
	return chatIntervalMin + time.Duration(b.rng.Int63n(int64(spread)))
}

// step walks one tick towards the current target, picking a new one whenever
// the old target is reached.
func (b *behavior) step() {
	if b.target == nil {
		b.pickTarget()
	}
	pos := b.client.Position()
	next, rotation, arrived := stepTowards(pos, *b.target)
	if arrived {
		b.target = nil
		return
	}
	if err := b.client.Move(next, rotation); err != nil {
		b.log.Warn("move failed", "err", err)
	}
}

func (b *behavior) pickTarget() {
	size := b.client.WorldSize()
	b.target = &models.Position{
		X: worldMargin + b.rng.Float64()*(size.X-2*worldMargin),
		Y: 0,
		Z: worldMargin + b.rng.Float64()*(size.Y-2*worldMargin),
	}
	b.log.Debug("new wander target", "x", b.target.X, "z", b.target.Z)
}
