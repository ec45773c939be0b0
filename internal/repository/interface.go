package repository

import (
	"context"
	"errors"

	"guided-scan/backend/pkg/models"
)

// ErrDuplicateActiveScan is returned when creating a scan would violate
// the one-in-progress-scan-per-organization invariant.
var ErrDuplicateActiveScan = errors.New("an in-progress scan already exists for this organization")

// Repository is the persistence interface for the scan engine. Lookup
// methods return (nil, nil) when no row matches.
type Repository interface {
	// Organizations
	GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error

	// Agents
	ListActiveAgents(ctx context.Context, orgID string) ([]*models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error

	// Scans
	CreateScan(ctx context.Context, scan *models.Scan, steps []*models.ScanStep) error
	GetScan(ctx context.Context, id string) (*models.Scan, error)
	ActiveScan(ctx context.Context, orgID string) (*models.Scan, error)
	UpdateScanCurrentAgent(ctx context.Context, scanID, agentID string) error
	CompleteScan(ctx context.Context, scanID string) error
	SetScanMetadata(ctx context.Context, scanID, key, value string) error

	// Scan steps
	ListSteps(ctx context.Context, scanID string) ([]*models.ScanStep, error)
	GetStep(ctx context.Context, id string) (*models.ScanStep, error)
	GetStepByOrder(ctx context.Context, scanID string, order int) (*models.ScanStep, error)
	// ApproveStepIfActive performs the guarded approval transition. It
	// reports false when the step was not in an approvable state, so a
	// racing second approval observes the loss instead of advancing.
	ApproveStepIfActive(ctx context.Context, stepID, approverID, documentURL string) (bool, error)
	MarkStepInProgress(ctx context.Context, stepID string) error
	LinkStepConversation(ctx context.Context, stepID, conversationID string) error

	// Conversations and messages
	GetOrCreateConversation(ctx context.Context, agentID, userID string) (*models.Conversation, error)
	SetConversationThread(ctx context.Context, conversationID, threadID string) error
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)

	// Approved responses
	CreateApprovedResponse(ctx context.Context, ar *models.ApprovedResponse) error

	// Documents
	CreateDocument(ctx context.Context, doc *models.Document) error

	// WithTx runs fn against a transaction-scoped repository and commits
	// when fn returns nil. Calls on an already transactional repository
	// reuse the ambient transaction.
	WithTx(ctx context.Context, fn func(Repository) error) error

	Ping(ctx context.Context) error
}
