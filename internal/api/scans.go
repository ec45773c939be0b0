// Package api contains the HTTP handlers for the guided scan service
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"guided-scan/backend/internal/repository"
	"guided-scan/backend/internal/services"
)

// Server holds the dependencies for the API server.
type Server struct {
	Engine *services.ScanEngine
	Repo   repository.Repository
}

// NewServer creates a new Server.
func NewServer(engine *services.ScanEngine, repo repository.Repository) *Server {
	return &Server{Engine: engine, Repo: repo}
}

// RegisterRoutes mounts the scan API onto the given group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/agents", s.ListAgents)
	g.POST("/agents/:id/messages", s.SendMessage)
	g.POST("/scans", s.StartScan)
	g.GET("/scans/active", s.GetActiveScan)
	g.GET("/scans/:id", s.GetScan)
	g.POST("/scans/:id/steps/:stepID/approve", s.ApproveStep)
}

func orgID(c echo.Context) (string, error) {
	id, ok := c.Request().Context().Value("org_id").(string)
	if !ok || id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "organization not found in context")
	}
	return id, nil
}

func userEmail(c echo.Context) (string, error) {
	email, ok := c.Request().Context().Value("user_email").(string)
	if !ok || email == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "user not found in context")
	}
	return email, nil
}

// ListAgents returns the organization's agents in resolved chain order
// (GET /api/v1/agents)
func (s *Server) ListAgents(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := orgID(c)
	if err != nil {
		return err
	}

	agents, err := s.Repo.ListActiveAgents(ctx, org)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, services.ResolveChain(agents))
}

// StartScan starts a new scan for the organization
// (POST /api/v1/scans)
func (s *Server) StartScan(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := orgID(c)
	if err != nil {
		return err
	}
	user, err := userEmail(c)
	if err != nil {
		return err
	}

	scan, steps, err := s.Engine.StartScan(ctx, org, user)
	if err != nil {
		return scanError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"scan":  scan,
		"steps": steps,
	})
}

// GetActiveScan returns the organization's in-progress scan, if any
// (GET /api/v1/scans/active)
func (s *Server) GetActiveScan(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := orgID(c)
	if err != nil {
		return err
	}

	scan, steps, err := s.Engine.ActiveScan(ctx, org)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if scan == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active scan")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"scan":  scan,
		"steps": steps,
	})
}

// GetScan returns a scan with its steps
// (GET /api/v1/scans/:id)
func (s *Server) GetScan(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := orgID(c)
	if err != nil {
		return err
	}

	scan, steps, err := s.Engine.GetScan(ctx, org, c.Param("id"))
	if err != nil {
		return scanError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"scan":  scan,
		"steps": steps,
	})
}

// ApproveStep approves the scan's current step and advances the workflow
// (POST /api/v1/scans/:id/steps/:stepID/approve)
func (s *Server) ApproveStep(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := orgID(c)
	if err != nil {
		return err
	}
	approver, err := userEmail(c)
	if err != nil {
		return err
	}

	var req struct {
		DocumentURL string `json:"document_url"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.Engine.ApproveStep(ctx, org, c.Param("id"), c.Param("stepID"), approver, req.DocumentURL)
	var persistErr *services.DocumentPersistError
	if errors.As(err, &persistErr) {
		// The approval committed; only the artifact is missing. Report it
		// distinctly so the caller can trigger recompilation instead of
		// re-approving.
		return c.JSON(http.StatusOK, map[string]any{
			"result":         result,
			"document_error": persistErr.Error(),
		})
	}
	if err != nil {
		return scanError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"result": result})
}

// SendMessage drives one conversational turn against an agent
// (POST /api/v1/agents/:id/messages)
func (s *Server) SendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	org, err := orgID(c)
	if err != nil {
		return err
	}
	user, err := userEmail(c)
	if err != nil {
		return err
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	response, err := s.Engine.SendMessage(ctx, org, user, c.Param("id"), req.Message)
	if err != nil {
		return scanError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"response": response})
}

// scanError maps engine errors onto HTTP statuses. Timeouts are kept
// distinct from remote failures so clients can choose retry vs escalate.
func scanError(err error) error {
	var runErr *services.RunFailedError
	switch {
	case errors.Is(err, services.ErrScanNotFound), errors.Is(err, services.ErrStepNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrStepNotActive), errors.Is(err, services.ErrScanAlreadyActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrNoAgentsAvailable):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrRunTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &runErr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
