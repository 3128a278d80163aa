// Package httpapi exposes reconciliation and deduplication over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/grantwatch/grantwatch/internal/dedupe"
	"github.com/grantwatch/grantwatch/internal/reconcile"
	"github.com/grantwatch/grantwatch/internal/store"
)

// RunStore is the slice of the store the API needs.
type RunStore interface {
	GetOrganization(ctx context.Context, id int64) (store.Organization, error)
	ListReconciliationRuns(ctx context.Context, orgID int64, limit int32) ([]store.ReconciliationRun, error)
	ListApplicationsByOrg(ctx context.Context, orgID int64) ([]store.Application, error)
	GetApplication(ctx context.Context, id int64) (store.Application, error)
	UpdateApplicationAnnotations(ctx context.Context, id int64, sanctioned bool, owner, notes string) error
}

// Reconciler runs one organization pass.
type Reconciler interface {
	RunOrg(ctx context.Context, orgID int64, dryRun bool) (reconcile.Report, error)
}

// Deduper merges duplicate applications for one organization.
type Deduper interface {
	Merge(ctx context.Context, orgID int64) (dedupe.Result, error)
}

// Server is the JSON API. Mutating operations on the same organization
// are serialized; a second request while one is in flight gets 409.
// Dry runs bypass the lock since they never write.
type Server struct {
	e          *echo.Echo
	store      RunStore
	reconciler Reconciler
	deduper    Deduper

	mu   sync.Mutex
	busy map[int64]bool
}

func NewServer(st RunStore, r Reconciler, d Deduper) *Server {
	s := &Server{
		e:          echo.New(),
		store:      st,
		reconciler: r,
		deduper:    d,
		busy:       map[int64]bool{},
	}
	s.e.HideBanner = true
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/healthz", s.handleHealthz)
	s.e.POST("/api/orgs/:id/reconcile", s.handleReconcile)
	s.e.POST("/api/orgs/:id/dedupe", s.handleDedupe)
	s.e.GET("/api/orgs/:id/runs", s.handleRuns)
	s.e.GET("/api/orgs/:id/apps", s.handleApps)
	s.e.PUT("/api/apps/:id/annotations", s.handleAnnotate)
}

func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) tryLock(orgID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[orgID] {
		return false
	}
	s.busy[orgID] = true
	return true
}

func (s *Server) unlock(orgID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, orgID)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleReconcile(c echo.Context) error {
	orgID, err := orgParam(c)
	if err != nil {
		return err
	}
	dryRun, _ := strconv.ParseBool(c.QueryParam("dry_run"))

	if _, err := s.store.GetOrganization(c.Request().Context(), orgID); err != nil {
		return orgLookupError(c, err)
	}

	if !dryRun {
		if !s.tryLock(orgID) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "organization run already in progress"})
		}
		defer s.unlock(orgID)
	}

	report, runErr := s.reconciler.RunOrg(c.Request().Context(), orgID, dryRun)
	if runErr != nil && report.Error == "" {
		report.Error = runErr.Error()
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleDedupe(c echo.Context) error {
	orgID, err := orgParam(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetOrganization(c.Request().Context(), orgID); err != nil {
		return orgLookupError(c, err)
	}

	if !s.tryLock(orgID) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "organization run already in progress"})
	}
	defer s.unlock(orgID)

	res, err := s.deduper.Merge(c.Request().Context(), orgID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRuns(c echo.Context) error {
	orgID, err := orgParam(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetOrganization(c.Request().Context(), orgID); err != nil {
		return orgLookupError(c, err)
	}

	limit := int32(20)
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = int32(n)
		}
	}

	runs, err := s.store.ListReconciliationRuns(c.Request().Context(), orgID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []store.ReconciliationRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

type applicationView struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Domain     string    `json:"domain,omitempty"`
	Scopes     []string  `json:"scopes"`
	AIUsage    string    `json:"aiUsage"`
	Sanctioned bool      `json:"sanctioned"`
	RiskLevel  string    `json:"riskLevel"`
	RiskScore  float64   `json:"riskScore"`
	Owner      string    `json:"owner,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
}

func viewApplication(a store.Application) applicationView {
	scopes := a.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return applicationView{
		ID:         a.ID,
		Name:       a.Name,
		Domain:     a.Domain,
		Scopes:     scopes,
		AIUsage:    a.AIUsage,
		Sanctioned: a.Sanctioned,
		RiskLevel:  a.RiskLevel,
		RiskScore:  a.RiskScore,
		Owner:      a.Owner,
		Notes:      a.Notes,
		FirstSeen:  a.FirstSeen,
		LastSeen:   a.LastSeen,
	}
}

func (s *Server) handleApps(c echo.Context) error {
	orgID, err := orgParam(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetOrganization(c.Request().Context(), orgID); err != nil {
		return orgLookupError(c, err)
	}

	apps, err := s.store.ListApplicationsByOrg(c.Request().Context(), orgID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	views := make([]applicationView, 0, len(apps))
	for _, a := range apps {
		views = append(views, viewApplication(a))
	}
	return c.JSON(http.StatusOK, views)
}

type annotateRequest struct {
	Sanctioned bool   `json:"sanctioned"`
	Owner      string `json:"owner"`
	Notes      string `json:"notes"`
}

// handleAnnotate updates the operator-owned fields of an application.
// Reconciliation never touches these, so no per-org lock is needed.
func (s *Server) handleAnnotate(c echo.Context) error {
	appID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || appID < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid application id")
	}

	var req annotateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid annotation body")
	}

	ctx := c.Request().Context()
	app, err := s.store.GetApplication(ctx, appID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "application not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if err := s.store.UpdateApplicationAnnotations(ctx, appID, req.Sanctioned, req.Owner, req.Notes); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	app.Sanctioned = req.Sanctioned
	app.Owner = req.Owner
	app.Notes = req.Notes
	return c.JSON(http.StatusOK, viewApplication(app))
}

func orgParam(c echo.Context) (int64, error) {
	orgID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orgID < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid organization id")
	}
	return orgID, nil
}

func orgLookupError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "organization not found"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
