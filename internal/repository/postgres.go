package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"guided-scan/backend/pkg/models"
)

// querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// InitSchema creates the tables and indexes if they do not exist. The
// partial unique index on scans enforces at most one in-progress scan
// per organization.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		organization_id UUID REFERENCES organizations(id),
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		assistant_id TEXT NOT NULL,
		next_agent_id UUID,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS scans (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id),
		status TEXT NOT NULL,
		current_agent_id UUID NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_scans_one_active
		ON scans(organization_id) WHERE status = 'in_progress';
	CREATE TABLE IF NOT EXISTS scan_steps (
		id UUID PRIMARY KEY,
		scan_id UUID NOT NULL REFERENCES scans(id),
		agent_id UUID NOT NULL,
		step_order INT NOT NULL,
		status TEXT NOT NULL,
		conversation_id UUID,
		document_url TEXT,
		approved_by TEXT,
		approved_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		UNIQUE (scan_id, step_order)
	);
	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		agent_id UUID NOT NULL,
		user_id TEXT NOT NULL,
		thread_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (agent_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS approved_responses (
		id UUID PRIMARY KEY,
		conversation_id UUID,
		agent_id UUID NOT NULL,
		question TEXT NOT NULL,
		response TEXT NOT NULL,
		order_index INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		owner_agent_id UUID NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// WithTx runs fn against a transaction-scoped store and commits when fn
// returns nil. A store that is already transactional reuses its transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Repository) error) error {
	if _, ok := s.db.(pgx.Tx); ok {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{pool: s.pool, db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetOrganizationByDomain retrieves an organization by its email domain.
func (s *PostgresStore) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRow(ctx,
		`SELECT id, name, domain, created_at, updated_at FROM organizations WHERE domain = $1`,
		domain,
	).Scan(&org.ID, &org.Name, &org.Domain, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

// CreateOrganization creates a new organization.
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now
	_, err := s.db.Exec(ctx,
		`INSERT INTO organizations (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		org.ID, org.Name, org.Domain, org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// ListActiveAgents returns all active agents visible to the organization:
// global agents plus org-scoped ones, ordered by creation time.
func (s *PostgresStore) ListActiveAgents(ctx context.Context, orgID string) ([]*models.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, organization_id, name, description, system_prompt, assistant_id, next_agent_id, status, created_at, updated_at
		 FROM agents
		 WHERE status = 'active' AND (organization_id IS NULL OR organization_id = $1)
		 ORDER BY created_at`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// GetAgent retrieves an agent by id.
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, organization_id, name, description, system_prompt, assistant_id, next_agent_id, status, created_at, updated_at
		 FROM agents WHERE id = $1`,
		id,
	)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return agent, err
}

// CreateAgent creates a new agent.
func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	_, err := s.db.Exec(ctx,
		`INSERT INTO agents (id, organization_id, name, description, system_prompt, assistant_id, next_agent_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		agent.ID, agent.OrganizationID, agent.Name, agent.Description, agent.SystemPrompt,
		agent.AssistantID, agent.NextAgentID, agent.Status, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var agent models.Agent
	err := row.Scan(
		&agent.ID, &agent.OrganizationID, &agent.Name, &agent.Description, &agent.SystemPrompt,
		&agent.AssistantID, &agent.NextAgentID, &agent.Status, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// CreateScan inserts a scan and its eagerly created steps in one
// transaction. A unique-index violation on the in-progress scan index is
// surfaced as ErrDuplicateActiveScan.
func (s *PostgresStore) CreateScan(ctx context.Context, scan *models.Scan, steps []*models.ScanStep) error {
	return s.WithTx(ctx, func(r Repository) error {
		tx := r.(*PostgresStore)
		meta, err := json.Marshal(scan.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		scan.CreatedAt = time.Now().UTC()
		_, err = tx.db.Exec(ctx,
			`INSERT INTO scans (id, organization_id, status, current_agent_id, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			scan.ID, scan.OrganizationID, scan.Status, scan.CurrentAgentID, meta, scan.CreatedAt,
		)
		if isUniqueViolation(err) {
			return ErrDuplicateActiveScan
		}
		if err != nil {
			return fmt.Errorf("create scan: %w", err)
		}
		for _, step := range steps {
			_, err := tx.db.Exec(ctx,
				`INSERT INTO scan_steps (id, scan_id, agent_id, step_order, status)
				 VALUES ($1, $2, $3, $4, $5)`,
				step.ID, step.ScanID, step.AgentID, step.StepOrder, step.Status,
			)
			if err != nil {
				return fmt.Errorf("create scan step %d: %w", step.StepOrder, err)
			}
		}
		return nil
	})
}

func newUUID() string {
	return uuid.New().String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetScan retrieves a scan by id.
func (s *PostgresStore) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	return s.scanRow(ctx,
		`SELECT id, organization_id, status, current_agent_id, metadata, created_at, completed_at
		 FROM scans WHERE id = $1`, id)
}

// ActiveScan retrieves the in-progress scan for an organization, if any.
func (s *PostgresStore) ActiveScan(ctx context.Context, orgID string) (*models.Scan, error) {
	return s.scanRow(ctx,
		`SELECT id, organization_id, status, current_agent_id, metadata, created_at, completed_at
		 FROM scans WHERE organization_id = $1 AND status = 'in_progress'`, orgID)
}

func (s *PostgresStore) scanRow(ctx context.Context, query string, arg any) (*models.Scan, error) {
	var scan models.Scan
	var meta []byte
	err := s.db.QueryRow(ctx, query, arg).Scan(
		&scan.ID, &scan.OrganizationID, &scan.Status, &scan.CurrentAgentID,
		&meta, &scan.CreatedAt, &scan.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &scan.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &scan, nil
}

// UpdateScanCurrentAgent moves the scan's pointer to the given agent.
func (s *PostgresStore) UpdateScanCurrentAgent(ctx context.Context, scanID, agentID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scans SET current_agent_id = $2 WHERE id = $1 AND status = 'in_progress'`,
		scanID, agentID,
	)
	if err != nil {
		return fmt.Errorf("update current agent: %w", err)
	}
	return nil
}

// CompleteScan marks the scan completed and stamps completed_at.
func (s *PostgresStore) CompleteScan(ctx context.Context, scanID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scans SET status = 'completed', completed_at = now() WHERE id = $1`,
		scanID,
	)
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	return nil
}

// SetScanMetadata sets a single metadata key on the scan.
func (s *PostgresStore) SetScanMetadata(ctx context.Context, scanID, key, value string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scans SET metadata = metadata || jsonb_build_object($2::text, $3::text) WHERE id = $1`,
		scanID, key, value,
	)
	if err != nil {
		return fmt.Errorf("set scan metadata: %w", err)
	}
	return nil
}

// ListSteps returns the scan's steps in step order.
func (s *PostgresStore) ListSteps(ctx context.Context, scanID string) ([]*models.ScanStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, scan_id, agent_id, step_order, status, conversation_id, document_url, approved_by, approved_at, completed_at
		 FROM scan_steps WHERE scan_id = $1 ORDER BY step_order`,
		scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.ScanStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetStep retrieves a step by id.
func (s *PostgresStore) GetStep(ctx context.Context, id string) (*models.ScanStep, error) {
	step, err := scanStep(s.db.QueryRow(ctx,
		`SELECT id, scan_id, agent_id, step_order, status, conversation_id, document_url, approved_by, approved_at, completed_at
		 FROM scan_steps WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return step, err
}

// GetStepByOrder retrieves a step by its 1-based order within a scan.
func (s *PostgresStore) GetStepByOrder(ctx context.Context, scanID string, order int) (*models.ScanStep, error) {
	step, err := scanStep(s.db.QueryRow(ctx,
		`SELECT id, scan_id, agent_id, step_order, status, conversation_id, document_url, approved_by, approved_at, completed_at
		 FROM scan_steps WHERE scan_id = $1 AND step_order = $2`, scanID, order))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return step, err
}

func scanStep(row pgx.Row) (*models.ScanStep, error) {
	var step models.ScanStep
	err := row.Scan(
		&step.ID, &step.ScanID, &step.AgentID, &step.StepOrder, &step.Status,
		&step.ConversationID, &step.DocumentURL, &step.ApprovedBy, &step.ApprovedAt, &step.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// ApproveStepIfActive flips a step to approved only while it is still in
// an approvable state. The status guard serializes racing approvals: the
// loser sees zero rows updated.
func (s *PostgresStore) ApproveStepIfActive(ctx context.Context, stepID, approverID, documentURL string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE scan_steps
		 SET status = 'approved', approved_by = $2, approved_at = now(), completed_at = now(),
		     document_url = NULLIF($3, '')
		 WHERE id = $1 AND status IN ('in_progress', 'completed')`,
		stepID, approverID, documentURL,
	)
	if err != nil {
		return false, fmt.Errorf("approve step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkStepInProgress activates a pending step.
func (s *PostgresStore) MarkStepInProgress(ctx context.Context, stepID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scan_steps SET status = 'in_progress' WHERE id = $1 AND status = 'pending'`,
		stepID,
	)
	if err != nil {
		return fmt.Errorf("mark step in progress: %w", err)
	}
	return nil
}

// LinkStepConversation records the conversation backing a step.
func (s *PostgresStore) LinkStepConversation(ctx context.Context, stepID, conversationID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scan_steps SET conversation_id = $2 WHERE id = $1 AND conversation_id IS NULL`,
		stepID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("link step conversation: %w", err)
	}
	return nil
}

// GetOrCreateConversation returns the conversation for the (agent, user)
// pair, creating it on first use.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, agentID, userID string) (*models.Conversation, error) {
	conv := &models.Conversation{AgentID: agentID, UserID: userID}
	err := s.db.QueryRow(ctx,
		`INSERT INTO conversations (id, agent_id, user_id, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (agent_id, user_id) DO UPDATE SET agent_id = EXCLUDED.agent_id
		 RETURNING id, thread_id, created_at`,
		newUUID(), agentID, userID,
	).Scan(&conv.ID, &conv.ThreadID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return conv, nil
}

// SetConversationThread persists the remote thread handle for a
// conversation. Only the first writer wins, so a retried caller never
// replaces an established thread.
func (s *PostgresStore) SetConversationThread(ctx context.Context, conversationID, threadID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE conversations SET thread_id = $2 WHERE id = $1 AND thread_id IS NULL`,
		conversationID, threadID,
	)
	if err != nil {
		return fmt.Errorf("set conversation thread: %w", err)
	}
	return nil
}

// AppendMessage appends a message to a conversation's transcript.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = newUUID()
	}
	msg.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// CreateApprovedResponse stores the immutable approval snapshot.
func (s *PostgresStore) CreateApprovedResponse(ctx context.Context, ar *models.ApprovedResponse) error {
	if ar.ID == "" {
		ar.ID = newUUID()
	}
	ar.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO approved_responses (id, conversation_id, agent_id, question, response, order_index, created_at)
		 VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7)`,
		ar.ID, ar.ConversationID, ar.AgentID, ar.Question, ar.Response, ar.OrderIndex, ar.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create approved response: %w", err)
	}
	return nil
}

// CreateDocument stores a compiled document.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = newUUID()
	}
	doc.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO documents (id, owner_agent_id, name, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.OwnerAgentID, doc.Name, doc.Content, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}
