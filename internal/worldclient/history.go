package worldclient

import (
	"time"

	"openbot-social/go-sdk/pkg/models"
)

// The history buffer keeps a rolling window of the last messages from all
// agents so an agent can listen to the conversation before engaging.

func (c *Client) pushHistoryLocked(msg models.ChatMessage) {
	c.history = append(c.history, msg)
	if len(c.history) > chatHistoryMax {
		c.history = c.history[len(c.history)-chatHistoryMax:]
	}
}

// History returns the most recent n messages, oldest first.
func (c *Client) History(n int) []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.history) {
		n = len(c.history)
	}
	out := make([]models.ChatMessage, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

// RecentConversation returns all messages from the last window. Message
// timestamps are milliseconds.
func (c *Client) RecentConversation(window time.Duration) []models.ChatMessage {
	cutoff := c.now().Add(-window).UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.ChatMessage
	for _, msg := range c.history {
		if msg.Timestamp >= cutoff {
			out = append(out, msg)
		}
	}
	return out
}
