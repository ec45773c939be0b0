package services

import (
	"guided-scan/backend/pkg/models"
)

// ResolveChain orders agents by their next_agent_id links. The head is
// the unique agent no other agent references; when zero or multiple
// agents qualify the first agent by creation order is used instead. The
// walk keeps a visited set so a cycle terminates the walk with the cycle
// edge dropped, and any agent the walk never reached is appended at the
// end in creation order. Every agent in the input appears exactly once.
func ResolveChain(agents []*models.Agent) []*models.Agent {
	if len(agents) == 0 {
		return nil
	}

	byID := make(map[string]*models.Agent, len(agents))
	referenced := make(map[string]bool, len(agents))
	for _, agent := range agents {
		byID[agent.ID] = agent
	}
	for _, agent := range agents {
		if agent.NextAgentID != nil {
			// Dangling references to agents outside the set do not make
			// their target a head candidate.
			if _, ok := byID[*agent.NextAgentID]; ok {
				referenced[*agent.NextAgentID] = true
			}
		}
	}

	var head *models.Agent
	for _, agent := range agents {
		if referenced[agent.ID] {
			continue
		}
		if head != nil {
			// Multiple heads: ambiguous chain, degrade to creation order.
			head = nil
			break
		}
		head = agent
	}
	if head == nil {
		head = agents[0]
	}

	ordered := make([]*models.Agent, 0, len(agents))
	visited := make(map[string]bool, len(agents))
	for current := head; current != nil && !visited[current.ID]; {
		visited[current.ID] = true
		ordered = append(ordered, current)
		if current.NextAgentID == nil {
			break
		}
		current = byID[*current.NextAgentID]
	}

	// Orphans still get a slot rather than being silently dropped.
	for _, agent := range agents {
		if !visited[agent.ID] {
			ordered = append(ordered, agent)
		}
	}

	return ordered
}
