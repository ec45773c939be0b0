// Package models defines the domain models for the guided scan service
package models

import (
	"time"
)

// AgentStatus represents the authoring status of an agent
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusDraft    AgentStatus = "draft"
	AgentStatusArchived AgentStatus = "archived"
)

// ScanStatus represents the lifecycle state of a scan
type ScanStatus string

const (
	ScanStatusInProgress ScanStatus = "in_progress"
	ScanStatusCompleted  ScanStatus = "completed"
)

// StepStatus represents the lifecycle state of a scan step
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusApproved   StepStatus = "approved"
)

// MessageRole identifies the author of a conversation message
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// RunStatus mirrors the remote conversational service's run states
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired:
		return true
	}
	return false
}

// Agent is one conversational stage of the scan chain. NextAgentID is a
// weak reference forming a singly-linked chain; agents with a nil
// OrganizationID are global and visible to every organization.
type Agent struct {
	ID             string      `json:"id"`
	OrganizationID *string     `json:"organization_id,omitempty"`
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	SystemPrompt   string      `json:"system_prompt"`
	AssistantID    string      `json:"assistant_id"`
	NextAgentID    *string     `json:"next_agent_id,omitempty"`
	Status         AgentStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Scan is one execution instance of the agent chain for an organization.
// At most one scan per organization may be in progress at a time.
type Scan struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Status         ScanStatus        `json:"status"`
	CurrentAgentID string            `json:"current_agent_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// ScanStep is the per-agent unit of work within a scan. StepOrder is
// 1-based and unique within the scan, matching resolved chain order.
type ScanStep struct {
	ID             string     `json:"id"`
	ScanID         string     `json:"scan_id"`
	AgentID        string     `json:"agent_id"`
	StepOrder      int        `json:"step_order"`
	Status         StepStatus `json:"status"`
	ConversationID *string    `json:"conversation_id,omitempty"`
	DocumentURL    *string    `json:"document_url,omitempty"`
	ApprovedBy     *string    `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Conversation belongs to exactly one (agent, user) pair. ThreadID is
// the remote thread handle, persisted before any message is sent so a
// retried call never creates a duplicate thread.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id"`
	ThreadID  *string   `json:"thread_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry in a conversation's append-only transcript.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ApprovedResponse is the immutable snapshot taken at approval time.
// It is the durable record the document compiler consumes; it is never
// updated or deleted.
type ApprovedResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Question       string    `json:"question"`
	Response       string    `json:"response"`
	OrderIndex     int       `json:"order_index"`
	CreatedAt      time.Time `json:"created_at"`
}

// Document is the compiled final artifact, owned by the last agent in
// the chain.
type Document struct {
	ID           string    `json:"id"`
	OwnerAgentID string    `json:"owner_agent_id"`
	Name         string    `json:"name"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}
