package worldclient

import (
	"math"
	"sort"

	"openbot-social/go-sdk/pkg/models"
)

// processWorldState reconciles the known-agent set against a poll result and
// fires join/leave callbacks outside the lock.
func (c *Client) processWorldState(agents []models.AgentState) {
	var joined []models.AgentState
	var left []string

	c.mu.Lock()
	current := make(map[string]struct{}, len(agents))
	for _, agent := range agents {
		current[agent.ID] = struct{}{}
		if _, known := c.knownAgents[agent.ID]; !known && agent.ID != c.agentID {
			joined = append(joined, agent)
		}
		c.knownAgents[agent.ID] = agent
	}
	for id := range c.knownAgents {
		if _, ok := current[id]; !ok {
			left = append(left, id)
			delete(c.knownAgents, id)
		}
	}
	c.mu.Unlock()

	for _, agent := range joined {
		c.log.Info("agent joined", "agent_id", agent.ID, "agent_name", agent.Name)
		if c.callbacks.OnAgentJoined != nil {
			c.callbacks.OnAgentJoined(agent)
		}
	}
	for _, id := range left {
		c.log.Info("agent left", "agent_id", id)
		if c.callbacks.OnAgentLeft != nil {
			c.callbacks.OnAgentLeft(id)
		}
	}
}

// KnownAgents returns a copy of the current agent set.
func (c *Client) KnownAgents() []models.AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.AgentState, 0, len(c.knownAgents))
	for _, agent := range c.knownAgents {
		out = append(out, agent)
	}
	return out
}

// NearbyAgents returns agents within radius world units of our position,
// closest first. radius <= 0 uses NearbyRadius.
func (c *Client) NearbyAgents(radius float64) []models.NearbyAgent {
	if radius <= 0 {
		radius = NearbyRadius
	}
	c.mu.Lock()
	self := c.position
	ownID := c.agentID
	agents := make([]models.AgentState, 0, len(c.knownAgents))
	for _, agent := range c.knownAgents {
		agents = append(agents, agent)
	}
	c.mu.Unlock()

	var out []models.NearbyAgent
	for _, agent := range agents {
		if agent.ID == ownID {
			continue
		}
		dist := xzDistance(self, agent.Position)
		if dist <= radius {
			out = append(out, models.NearbyAgent{
				AgentState: agent,
				Distance:   math.Round(dist*10) / 10,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// ConversationPartners returns agents in earshot, closest first.
func (c *Client) ConversationPartners() []models.NearbyAgent {
	return c.NearbyAgents(ConversationRadius)
}

// MoveTowards takes one step towards a known agent by id or display name.
// It reports whether a move was made: false when the target is unknown or
// already within stopDistance.
func (c *Client) MoveTowards(nameOrID string, stopDistance, step float64) (bool, error) {
	if stopDistance <= 0 {
		stopDistance = 8.0
	}
	if step <= 0 {
		step = 3.0
	}

	c.mu.Lock()
	self := c.position
	var target *models.AgentState
	for _, agent := range c.knownAgents {
		if agent.ID == nameOrID || agent.Name == nameOrID {
			a := agent
			target = &a
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return false, nil
	}

	dx := target.Position.X - self.X
	dz := target.Position.Z - self.Z
	dist := math.Sqrt(dx*dx + dz*dz)
	if dist <= stopDistance {
		return false, nil
	}

	moveDist := math.Min(step, dist-stopDistance)
	ratio := moveDist / dist
	next := models.Position{
		X: self.X + dx*ratio,
		Y: 0,
		Z: self.Z + dz*ratio,
	}
	if err := c.Move(next, math.Atan2(dz, dx)); err != nil {
		return false, err
	}
	return true, nil
}

func xzDistance(a, b models.Position) float64 {
	dx := a.X - b.X
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dz*dz)
}
