package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"guided-scan/backend/internal/config"
	"guided-scan/backend/internal/repository"
	"guided-scan/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

// MockRepository satisfies repository.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Organization), args.Error(1)
}

func (m *MockRepository) CreateOrganization(ctx context.Context, org *models.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

// Stubs for other interface methods to satisfy repository.Repository
func (m *MockRepository) ListActiveAgents(ctx context.Context, orgID string) ([]*models.Agent, error) {
	return nil, nil
}
func (m *MockRepository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return nil, nil
}
func (m *MockRepository) CreateAgent(ctx context.Context, agent *models.Agent) error { return nil }
func (m *MockRepository) CreateScan(ctx context.Context, scan *models.Scan, steps []*models.ScanStep) error {
	return nil
}
func (m *MockRepository) GetScan(ctx context.Context, id string) (*models.Scan, error) {
	return nil, nil
}
func (m *MockRepository) ActiveScan(ctx context.Context, orgID string) (*models.Scan, error) {
	return nil, nil
}
func (m *MockRepository) UpdateScanCurrentAgent(ctx context.Context, scanID, agentID string) error {
	return nil
}
func (m *MockRepository) CompleteScan(ctx context.Context, scanID string) error { return nil }
func (m *MockRepository) SetScanMetadata(ctx context.Context, scanID, key, value string) error {
	return nil
}
func (m *MockRepository) ListSteps(ctx context.Context, scanID string) ([]*models.ScanStep, error) {
	return nil, nil
}
func (m *MockRepository) GetStep(ctx context.Context, id string) (*models.ScanStep, error) {
	return nil, nil
}
func (m *MockRepository) GetStepByOrder(ctx context.Context, scanID string, order int) (*models.ScanStep, error) {
	return nil, nil
}
func (m *MockRepository) ApproveStepIfActive(ctx context.Context, stepID, approverID, documentURL string) (bool, error) {
	return false, nil
}
func (m *MockRepository) MarkStepInProgress(ctx context.Context, stepID string) error { return nil }
func (m *MockRepository) LinkStepConversation(ctx context.Context, stepID, conversationID string) error {
	return nil
}
func (m *MockRepository) GetOrCreateConversation(ctx context.Context, agentID, userID string) (*models.Conversation, error) {
	return nil, nil
}
func (m *MockRepository) SetConversationThread(ctx context.Context, conversationID, threadID string) error {
	return nil
}
func (m *MockRepository) AppendMessage(ctx context.Context, msg *models.Message) error { return nil }
func (m *MockRepository) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return nil, nil
}
func (m *MockRepository) CreateApprovedResponse(ctx context.Context, ar *models.ApprovedResponse) error {
	return nil
}
func (m *MockRepository) CreateDocument(ctx context.Context, doc *models.Document) error { return nil }
func (m *MockRepository) WithTx(ctx context.Context, fn func(repository.Repository) error) error {
	return fn(m)
}
func (m *MockRepository) Ping(ctx context.Context) error { return nil }

func makeFakeToken(t *testing.T, issuer, clientID, email string) string {
	t.Helper()
	claims := map[string]interface{}{
		"iss":   issuer,
		"aud":   clientID,
		"sub":   "test-user",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-1 * time.Minute).Unix(),
		"email": email,
	}
	headerData := map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
		"kid": "test-key",
	}
	headerBytes, _ := json.Marshal(headerData)
	payload, _ := json.Marshal(claims)
	return base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func makeVerifier(issuer, clientID string) *oidc.IDTokenVerifier {
	return oidc.NewVerifier(issuer, &MockKeySet{}, &oidc.Config{
		ClientID:          clientID,
		SkipClientIDCheck: true, // Matches logic in auth.go for apiVerifier
	})
}

func TestRequireAuth_BearerToken_ExtractsOrganization(t *testing.T) {
	mockRepo := new(MockRepository)
	expectedOrg := &models.Organization{
		ID:     "org-123",
		Name:   "acme.com",
		Domain: "acme.com",
	}
	mockRepo.On("GetOrganizationByDomain", mock.Anything, "acme.com").Return(expectedOrg, nil)

	issuer := "https://test-issuer.com"
	clientID := "test-client"
	fakeToken := makeFakeToken(t, issuer, clientID, "user@acme.com")

	a := &Auth{
		apiVerifier: makeVerifier(issuer, clientID), // We are testing Bearer token flow
		repo:        mockRepo,
		sessions:    NewSessionStore(time.Hour),
		logger:      &NoOpLogger{},
	}

	req := httptest.NewRequest("GET", "/api/v1/scans/active", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken)
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := r.Context().Value("org_id").(string)
		assert.True(t, ok, "org_id should be in context")
		assert.Equal(t, "org-123", orgID)
		email, ok := r.Context().Value("user_email").(string)
		assert.True(t, ok, "user_email should be in context")
		assert.Equal(t, "user@acme.com", email)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	mockRepo.AssertExpectations(t)
}

func TestRequireAuth_BypassMode(t *testing.T) {
	mockRepo := new(MockRepository)
	// Expect organization lookup for "localhost" (from dev@localhost)
	mockRepo.On("GetOrganizationByDomain", mock.Anything, "localhost").Return(nil, nil)
	mockRepo.On("CreateOrganization", mock.Anything, mock.MatchedBy(func(org *models.Organization) bool {
		return org.Domain == "localhost"
	})).Run(func(args mock.Arguments) {
		argOrg := args.Get(1).(*models.Organization)
		argOrg.ID = "dev-org-id"
	}).Return(nil)

	// Create Auth via New to verify config logic
	cfg := &config.Config{
		Environment:   "DEV",
		DevModeBypass: true,
	}
	a, err := New(context.Background(), cfg, mockRepo, NewSessionStore(time.Hour), &NoOpLogger{})
	assert.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/scans/active", nil)
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := r.Context().Value("org_id").(string)
		assert.True(t, ok)
		assert.Equal(t, "dev-org-id", orgID)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	mockRepo.AssertExpectations(t)
}

func TestRequireAuth_BypassModePreviewSession(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("GetOrganizationByDomain", mock.Anything, "preview.test").Return(&models.Organization{
		ID:     "preview-org",
		Name:   "preview.test",
		Domain: "preview.test",
	}, nil)

	sessions := NewSessionStore(time.Hour)
	sessions.Put("session-token", "demo@preview.test")

	cfg := &config.Config{
		Environment:   "DEV",
		DevModeBypass: true,
	}
	a, err := New(context.Background(), cfg, mockRepo, sessions, &NoOpLogger{})
	assert.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/scans/active", nil)
	req.AddCookie(&http.Cookie{Name: "preview_session", Value: "session-token"})
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, ok := r.Context().Value("user_email").(string)
		assert.True(t, ok)
		assert.Equal(t, "demo@preview.test", email)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	mockRepo.AssertExpectations(t)
}

func TestRequireAuth_AutoProvisionOrganization(t *testing.T) {
	mockRepo := new(MockRepository)
	// No organization yet for the domain
	mockRepo.On("GetOrganizationByDomain", mock.Anything, "startup.io").Return(nil, nil)
	// CreateOrganization should be called
	mockRepo.On("CreateOrganization", mock.Anything, mock.MatchedBy(func(org *models.Organization) bool {
		return org.Domain == "startup.io" && org.Name == "startup.io"
	})).Return(nil)

	issuer := "https://test-issuer.com"
	clientID := "test-client"
	fakeToken := makeFakeToken(t, issuer, clientID, "founder@startup.io")

	a := &Auth{
		apiVerifier: makeVerifier(issuer, clientID),
		repo:        mockRepo,
		sessions:    NewSessionStore(time.Hour),
		logger:      &NoOpLogger{},
	}
	req := httptest.NewRequest("GET", "/api/v1/scans/active", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken)
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := r.Context().Value("org_id").(string)
		assert.True(t, ok)
		assert.NotEmpty(t, orgID) // freshly provisioned
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	mockRepo.AssertExpectations(t)
}

func TestSessionStoreExpiry(t *testing.T) {
	sessions := NewSessionStore(-time.Minute) // everything already expired
	sessions.Put("token", "user@acme.com")

	_, ok := sessions.Get("token")
	assert.False(t, ok)
}
