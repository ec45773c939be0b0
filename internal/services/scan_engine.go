package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"guided-scan/backend/internal/logging"
	"guided-scan/backend/internal/repository"
	"guided-scan/backend/pkg/models"
)

// ScanEngine owns the Scan aggregate. All writes to scans and scan steps
// go through its operations; nothing else mutates them.
type ScanEngine struct {
	repo     repository.Repository
	executor *RunExecutor
	compiler *DocumentCompiler
	logger   *logging.Logger
}

// NewScanEngine creates a new ScanEngine.
func NewScanEngine(repo repository.Repository, executor *RunExecutor, compiler *DocumentCompiler, logger *logging.Logger) *ScanEngine {
	return &ScanEngine{
		repo:     repo,
		executor: executor,
		compiler: compiler,
		logger:   logger,
	}
}

// ApprovalResult reports the outcome of an approval: the approved step,
// the newly activated step if the chain continues, and whether the scan
// finalized (with the compiled document's id when compilation succeeded).
type ApprovalResult struct {
	Step          *models.ScanStep `json:"step"`
	NextStep      *models.ScanStep `json:"next_step,omitempty"`
	ScanCompleted bool             `json:"scan_completed"`
	DocumentID    string           `json:"document_id,omitempty"`
}

// StartScan creates a scan for the organization with one step per agent
// in resolved chain order. Step 1 starts in progress and becomes the
// scan's current step. Fails with ErrNoAgentsAvailable on an empty chain
// and ErrScanAlreadyActive when an in-progress scan exists.
func (e *ScanEngine) StartScan(ctx context.Context, orgID, startedBy string) (*models.Scan, []*models.ScanStep, error) {
	agents, err := e.repo.ListActiveAgents(ctx, orgID)
	if err != nil {
		return nil, nil, fmt.Errorf("start scan: %w", err)
	}
	chain := ResolveChain(agents)
	if len(chain) == 0 {
		return nil, nil, ErrNoAgentsAvailable
	}

	if active, err := e.repo.ActiveScan(ctx, orgID); err != nil {
		return nil, nil, fmt.Errorf("start scan: %w", err)
	} else if active != nil {
		return nil, nil, ErrScanAlreadyActive
	}

	scan := &models.Scan{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Status:         models.ScanStatusInProgress,
		CurrentAgentID: chain[0].ID,
		Metadata:       map[string]string{},
	}
	if startedBy != "" {
		scan.Metadata["started_by"] = startedBy
	}
	steps := make([]*models.ScanStep, len(chain))
	for i, agent := range chain {
		status := models.StepStatusPending
		if i == 0 {
			status = models.StepStatusInProgress
		}
		steps[i] = &models.ScanStep{
			ID:        uuid.New().String(),
			ScanID:    scan.ID,
			AgentID:   agent.ID,
			StepOrder: i + 1,
			Status:    status,
		}
	}

	if err := e.repo.CreateScan(ctx, scan, steps); err != nil {
		if err == repository.ErrDuplicateActiveScan {
			// Lost the race against a concurrent StartScan; the unique
			// index is the authority, not the earlier query.
			return nil, nil, ErrScanAlreadyActive
		}
		return nil, nil, fmt.Errorf("start scan: %w", err)
	}

	e.logger.Info("scan started",
		"scan_id", scan.ID, "organization_id", orgID, "started_by", startedBy, "steps", len(steps))
	return scan, steps, nil
}

// ApproveStep finalizes the current step and advances the scan, all
// inside one transaction. When the approved step was the last one the
// scan completes and the final document is compiled after commit; a
// compilation failure is returned as *DocumentPersistError alongside the
// result, with the scan left completed so compilation can be retried.
func (e *ScanEngine) ApproveStep(ctx context.Context, orgID, scanID, stepID, approverID, documentURL string) (*ApprovalResult, error) {
	result := &ApprovalResult{}

	err := e.repo.WithTx(ctx, func(r repository.Repository) error {
		scan, err := r.GetScan(ctx, scanID)
		if err != nil {
			return err
		}
		if scan == nil || scan.OrganizationID != orgID {
			return ErrScanNotFound
		}
		if scan.Status != models.ScanStatusInProgress {
			return ErrStepNotActive
		}

		step, err := r.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if step == nil || step.ScanID != scanID {
			return ErrStepNotFound
		}
		if step.AgentID != scan.CurrentAgentID {
			return ErrStepNotActive
		}

		ok, err := r.ApproveStepIfActive(ctx, stepID, approverID, documentURL)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStepNotActive
		}

		if step.ConversationID != nil {
			if err := e.snapshotApproval(ctx, r, step); err != nil {
				return err
			}
		}

		approved, err := r.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		result.Step = approved

		next, err := r.GetStepByOrder(ctx, scanID, step.StepOrder+1)
		if err != nil {
			return err
		}
		if next != nil {
			if err := r.MarkStepInProgress(ctx, next.ID); err != nil {
				return err
			}
			if err := r.UpdateScanCurrentAgent(ctx, scanID, next.AgentID); err != nil {
				return err
			}
			next.Status = models.StepStatusInProgress
			result.NextStep = next
			return nil
		}

		if err := r.CompleteScan(ctx, scanID); err != nil {
			return err
		}
		result.ScanCompleted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.ScanCompleted {
		e.logger.Info("scan completed", "scan_id", scanID, "approved_by", approverID)
		docID, err := e.compiler.CompileAndPersist(ctx, scanID, approverID)
		if err != nil {
			// The approvals are durable; only the artifact is missing.
			e.logger.Error("document compilation failed", "scan_id", scanID, "error", err)
			return result, &DocumentPersistError{ScanID: scanID, Err: err}
		}
		result.DocumentID = docID
	} else {
		e.logger.Info("scan advanced",
			"scan_id", scanID, "approved_step", result.Step.StepOrder, "next_agent_id", result.NextStep.AgentID)
	}

	return result, nil
}

// snapshotApproval records the immutable question/response pair for the
// step's conversation at the moment of approval.
func (e *ScanEngine) snapshotApproval(ctx context.Context, r repository.Repository, step *models.ScanStep) error {
	msgs, err := r.ListMessages(ctx, *step.ConversationID)
	if err != nil {
		return err
	}
	var question, response string
	for _, msg := range msgs {
		switch msg.Role {
		case models.MessageRoleUser:
			question = msg.Content
		case models.MessageRoleAssistant:
			response = msg.Content
		}
	}
	return r.CreateApprovedResponse(ctx, &models.ApprovedResponse{
		ConversationID: *step.ConversationID,
		AgentID:        step.AgentID,
		Question:       question,
		Response:       response,
		OrderIndex:     step.StepOrder,
	})
}

// SendMessage drives one conversational turn against the given agent for
// the user. When the agent is the active scan's current agent, the
// conversation is linked to the active step on first contact.
func (e *ScanEngine) SendMessage(ctx context.Context, orgID, userID, agentID, message string) (string, error) {
	agent, err := e.repo.GetAgent(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if agent == nil {
		return "", fmt.Errorf("send message: agent %s not found", agentID)
	}

	conv, err := e.repo.GetOrCreateConversation(ctx, agentID, userID)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	if scan, err := e.repo.ActiveScan(ctx, orgID); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	} else if scan != nil && scan.CurrentAgentID == agentID {
		if step, err := e.currentStep(ctx, scan); err != nil {
			return "", fmt.Errorf("send message: %w", err)
		} else if step != nil && step.ConversationID == nil {
			if err := e.repo.LinkStepConversation(ctx, step.ID, conv.ID); err != nil {
				return "", fmt.Errorf("send message: %w", err)
			}
		}
	}

	return e.executor.SendTurn(ctx, conv, agent.AssistantID, message)
}

func (e *ScanEngine) currentStep(ctx context.Context, scan *models.Scan) (*models.ScanStep, error) {
	steps, err := e.repo.ListSteps(ctx, scan.ID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.AgentID == scan.CurrentAgentID && step.Status == models.StepStatusInProgress {
			return step, nil
		}
	}
	return nil, nil
}

// GetScan returns a scan with its steps for progress rendering.
func (e *ScanEngine) GetScan(ctx context.Context, orgID, scanID string) (*models.Scan, []*models.ScanStep, error) {
	scan, err := e.repo.GetScan(ctx, scanID)
	if err != nil {
		return nil, nil, err
	}
	if scan == nil || scan.OrganizationID != orgID {
		return nil, nil, ErrScanNotFound
	}
	steps, err := e.repo.ListSteps(ctx, scanID)
	if err != nil {
		return nil, nil, err
	}
	return scan, steps, nil
}

// ActiveScan returns the organization's in-progress scan with its steps,
// or (nil, nil, nil) when none exists.
func (e *ScanEngine) ActiveScan(ctx context.Context, orgID string) (*models.Scan, []*models.ScanStep, error) {
	scan, err := e.repo.ActiveScan(ctx, orgID)
	if err != nil || scan == nil {
		return nil, nil, err
	}
	steps, err := e.repo.ListSteps(ctx, scan.ID)
	if err != nil {
		return nil, nil, err
	}
	return scan, steps, nil
}
