package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"guided-scan/backend/internal/repository"
	"guided-scan/backend/pkg/models"
)

// fakeRepo is an in-memory Repository for service tests. WithTx holds a
// lock for the whole callback so racing transactions observe each
// other's writes, mirroring the row-lock behaviour of the real store.
type fakeRepo struct {
	mu   sync.Mutex
	txMu sync.Mutex

	orgs          map[string]*models.Organization
	agents        []*models.Agent
	scans         map[string]*models.Scan
	steps         map[string]*models.ScanStep
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	approved      []*models.ApprovedResponse
	documents     []*models.Document

	createDocumentErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orgs:          make(map[string]*models.Organization),
		scans:         make(map[string]*models.Scan),
		steps:         make(map[string]*models.ScanStep),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
	}
}

func (f *fakeRepo) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orgs[domain], nil
}

func (f *fakeRepo) CreateOrganization(ctx context.Context, org *models.Organization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs[org.Domain] = org
	return nil
}

func (f *fakeRepo) ListActiveAgents(ctx context.Context, orgID string) ([]*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Agent
	for _, agent := range f.agents {
		if agent.Status != models.AgentStatusActive {
			continue
		}
		if agent.OrganizationID == nil || *agent.OrganizationID == orgID {
			out = append(out, agent)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, agent := range f.agents {
		if agent.ID == id {
			return agent, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) CreateAgent(ctx context.Context, agent *models.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agent)
	return nil
}

func (f *fakeRepo) CreateScan(ctx context.Context, scan *models.Scan, steps []*models.ScanStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.scans {
		if existing.OrganizationID == scan.OrganizationID && existing.Status == models.ScanStatusInProgress {
			return repository.ErrDuplicateActiveScan
		}
	}
	scan.CreatedAt = time.Now()
	f.scans[scan.ID] = scan
	for _, step := range steps {
		f.steps[step.ID] = step
	}
	return nil
}

func (f *fakeRepo) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans[id], nil
}

func (f *fakeRepo) ActiveScan(ctx context.Context, orgID string) (*models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, scan := range f.scans {
		if scan.OrganizationID == orgID && scan.Status == models.ScanStatusInProgress {
			return scan, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) UpdateScanCurrentAgent(ctx context.Context, scanID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if scan, ok := f.scans[scanID]; ok {
		scan.CurrentAgentID = agentID
	}
	return nil
}

func (f *fakeRepo) CompleteScan(ctx context.Context, scanID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if scan, ok := f.scans[scanID]; ok {
		now := time.Now()
		scan.Status = models.ScanStatusCompleted
		scan.CompletedAt = &now
	}
	return nil
}

func (f *fakeRepo) SetScanMetadata(ctx context.Context, scanID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if scan, ok := f.scans[scanID]; ok {
		if scan.Metadata == nil {
			scan.Metadata = make(map[string]string)
		}
		scan.Metadata[key] = value
	}
	return nil
}

func (f *fakeRepo) ListSteps(ctx context.Context, scanID string) ([]*models.ScanStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ScanStep
	for _, step := range f.steps {
		if step.ScanID == scanID {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (f *fakeRepo) GetStep(ctx context.Context, id string) (*models.ScanStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps[id], nil
}

func (f *fakeRepo) GetStepByOrder(ctx context.Context, scanID string, order int) (*models.ScanStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, step := range f.steps {
		if step.ScanID == scanID && step.StepOrder == order {
			return step, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ApproveStepIfActive(ctx context.Context, stepID, approverID, documentURL string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.steps[stepID]
	if !ok {
		return false, nil
	}
	if step.Status != models.StepStatusInProgress && step.Status != models.StepStatusCompleted {
		return false, nil
	}
	now := time.Now()
	step.Status = models.StepStatusApproved
	step.ApprovedBy = &approverID
	step.ApprovedAt = &now
	step.CompletedAt = &now
	if documentURL != "" {
		step.DocumentURL = &documentURL
	}
	return true, nil
}

func (f *fakeRepo) MarkStepInProgress(ctx context.Context, stepID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if step, ok := f.steps[stepID]; ok && step.Status == models.StepStatusPending {
		step.Status = models.StepStatusInProgress
	}
	return nil
}

func (f *fakeRepo) LinkStepConversation(ctx context.Context, stepID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if step, ok := f.steps[stepID]; ok && step.ConversationID == nil {
		step.ConversationID = &conversationID
	}
	return nil
}

func (f *fakeRepo) GetOrCreateConversation(ctx context.Context, agentID, userID string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := agentID + "|" + userID
	if conv, ok := f.conversations[key]; ok {
		return conv, nil
	}
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	f.conversations[key] = conv
	return conv, nil
}

func (f *fakeRepo) SetConversationThread(ctx context.Context, conversationID, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.conversations {
		if conv.ID == conversationID && conv.ThreadID == nil {
			conv.ThreadID = &threadID
		}
	}
	return nil
}

func (f *fakeRepo) AppendMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now()
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
	return nil
}

func (f *fakeRepo) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[conversationID], nil
}

func (f *fakeRepo) CreateApprovedResponse(ctx context.Context, ar *models.ApprovedResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ar.ID = uuid.New().String()
	ar.CreatedAt = time.Now()
	f.approved = append(f.approved, ar)
	return nil
}

func (f *fakeRepo) CreateDocument(ctx context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createDocumentErr != nil {
		return f.createDocumentErr
	}
	doc.ID = uuid.New().String()
	doc.CreatedAt = time.Now()
	f.documents = append(f.documents, doc)
	return nil
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(repository.Repository) error) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()
	return fn(f)
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }

func (f *fakeRepo) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msgs := range f.messages {
		n += len(msgs)
	}
	return n
}

// fakeAssistant is a scripted AssistantClient. Each GetRunStatus call
// consumes the next status; the last one repeats once the script runs
// out.
type fakeAssistant struct {
	mu sync.Mutex

	statuses []models.RunStatus
	replies  []ThreadMessage

	threadsCreated int
	postedMessages []string
	runsStarted    int
	statusCalls    int
}

func (f *fakeAssistant) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadsCreated++
	return "thread-1", nil
}

func (f *fakeAssistant) PostMessage(ctx context.Context, threadID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postedMessages = append(f.postedMessages, content)
	return nil
}

func (f *fakeAssistant) StartRun(ctx context.Context, threadID, assistantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runsStarted++
	return "run-1", nil
}

func (f *fakeAssistant) GetRunStatus(ctx context.Context, threadID, runID string) (models.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statuses) == 0 {
		return models.RunStatusInProgress, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

func (f *fakeAssistant) ListThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies, nil
}
