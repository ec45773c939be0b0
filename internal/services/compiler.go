package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guided-scan/backend/internal/logging"
	"guided-scan/backend/internal/repository"
	"guided-scan/backend/pkg/models"
)

// DocumentCompiler assembles the final cross-agent artifact once a scan
// completes: one section per step in step order, each carrying the agent
// identity and the full conversation transcript.
type DocumentCompiler struct {
	repo   repository.Repository
	logger *logging.Logger
}

// NewDocumentCompiler creates a new DocumentCompiler.
func NewDocumentCompiler(repo repository.Repository, logger *logging.Logger) *DocumentCompiler {
	return &DocumentCompiler{repo: repo, logger: logger}
}

// CompileAndPersist builds the document for a completed scan, stores it
// owned by the last agent in the chain, and records the document id in
// the scan's metadata. It can be re-run by an operator after a persist
// failure; the approved steps are untouched either way.
func (c *DocumentCompiler) CompileAndPersist(ctx context.Context, scanID, approverID string) (string, error) {
	scan, err := c.repo.GetScan(ctx, scanID)
	if err != nil {
		return "", err
	}
	if scan == nil {
		return "", ErrScanNotFound
	}
	steps, err := c.repo.ListSteps(ctx, scanID)
	if err != nil {
		return "", err
	}
	if len(steps) == 0 {
		return "", fmt.Errorf("scan %s has no steps", scanID)
	}

	content, err := c.compile(ctx, scan, steps, approverID)
	if err != nil {
		return "", err
	}

	lastAgentID := steps[len(steps)-1].AgentID
	doc := &models.Document{
		OwnerAgentID: lastAgentID,
		Name:         fmt.Sprintf("Guided Scan Report %s", time.Now().UTC().Format("2006-01-02")),
		Content:      content,
	}
	if err := c.repo.CreateDocument(ctx, doc); err != nil {
		return "", err
	}
	if err := c.repo.SetScanMetadata(ctx, scanID, "document_id", doc.ID); err != nil {
		return "", err
	}

	c.logger.Info("document compiled",
		"scan_id", scanID, "document_id", doc.ID, "sections", len(steps))
	return doc.ID, nil
}

func (c *DocumentCompiler) compile(ctx context.Context, scan *models.Scan, steps []*models.ScanStep, approverID string) (string, error) {
	var b strings.Builder
	b.WriteString("# Guided Scan Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Organization: %s\n", scan.OrganizationID)
	fmt.Fprintf(&b, "Approved by: %s\n", approverID)

	for _, step := range steps {
		agent, err := c.repo.GetAgent(ctx, step.AgentID)
		if err != nil {
			return "", err
		}
		name, description := step.AgentID, ""
		if agent != nil {
			name, description = agent.Name, agent.Description
		}

		fmt.Fprintf(&b, "\n## Step %d: %s\n\n", step.StepOrder, name)
		if description != "" {
			fmt.Fprintf(&b, "%s\n\n", description)
		}
		if step.ApprovedAt != nil {
			fmt.Fprintf(&b, "Approved: %s\n\n", step.ApprovedAt.UTC().Format(time.RFC3339))
		}
		if step.DocumentURL != nil {
			fmt.Fprintf(&b, "Uploaded document: %s\n\n", *step.DocumentURL)
		}

		if step.ConversationID == nil {
			b.WriteString("_No conversation recorded for this step._\n")
			continue
		}
		msgs, err := c.repo.ListMessages(ctx, *step.ConversationID)
		if err != nil {
			return "", err
		}
		for _, msg := range msgs {
			label := "User"
			if msg.Role == models.MessageRoleAssistant {
				label = "Assistant"
			}
			fmt.Fprintf(&b, "**%s:** %s\n\n", label, msg.Content)
		}
	}

	return b.String(), nil
}
