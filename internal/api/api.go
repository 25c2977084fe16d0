// Package api is the worker's HTTP surface: trigger an import, poll run
// status, list run history, and kick the dedupe pass.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/dedupe"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/idp"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/pipeline"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/store"
)

// Pipeline is the slice of the orchestrator the handlers need.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) error
}

// Deduper is the slice of the dedupe engine the handlers need.
type Deduper interface {
	MergeDuplicates(ctx context.Context, orgID string) (*dedupe.Report, error)
	RecountFromRelations(ctx context.Context, orgID string) (*dedupe.Report, error)
}

// Handler carries the handler dependencies. Import runs execute on
// background goroutines off the request path; Wait blocks until they
// drain on shutdown.
type Handler struct {
	store store.Store
	pipe  Pipeline
	dedup Deduper
	log   *slog.Logger

	base context.Context
	runs sync.WaitGroup
}

// NewHandler wires a Handler. base is the context background runs
// inherit, typically the process lifetime context.
func NewHandler(base context.Context, st store.Store, pipe Pipeline, dedup Deduper) *Handler {
	return &Handler{
		store: st,
		pipe:  pipe,
		dedup: dedup,
		log:   slog.Default().With("component", "api"),
		base:  base,
	}
}

// Wait blocks until all background import runs started by handlers
// have returned.
func (h *Handler) Wait() {
	h.runs.Wait()
}

// Router builds the gin engine with all routes registered.
func Router(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Health)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/orgs/:orgID/syncs", h.StartSync)
		apiGroup.GET("/orgs/:orgID/syncs", h.ListSyncs)
		apiGroup.GET("/syncs/:id", h.GetSync)
		apiGroup.POST("/orgs/:orgID/dedupe", h.RunDedupe)
	}
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runView is the wire shape of a sync run.
type runView struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewRun(r *store.SyncRun) runView {
	return runView{
		ID:        r.ID,
		OrgID:     r.OrgID,
		Status:    string(r.Status),
		Progress:  r.Progress,
		Message:   r.Message,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// StartSync creates a run row and launches the pipeline in the
// background. The active-run check is best effort: two racing requests
// can both pass it, and the dedupe pass cleans up whatever overlap
// leaves behind.
func (h *Handler) StartSync(c *gin.Context) {
	orgID := c.Param("orgID")

	var input struct {
		Credentials idp.Credentials `json:"credentials"`
		UserEmail   string          `json:"user_email"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	active, err := h.store.ActiveRun(c.Request.Context(), orgID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if active != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "an import is already running for this organization",
			"run_id": active.ID,
		})
		return
	}

	run := &store.SyncRun{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Status:    store.RunPending,
		Message:   "Queued",
		UserEmail: input.UserEmail,
	}
	if err := h.store.CreateRun(c.Request.Context(), run); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	req := pipeline.Request{
		StageRequest: pipeline.StageRequest{
			OrgID:       orgID,
			RunID:       run.ID,
			Credentials: input.Credentials,
		},
		UserEmail: input.UserEmail,
	}
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		if err := h.pipe.Run(h.base, req); err != nil {
			h.log.Error("import run failed", "org", orgID, "run", run.ID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "status": string(store.RunPending)})
}

func (h *Handler) GetSync(c *gin.Context) {
	run, err := h.store.Run(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewRun(run))
}

func (h *Handler) ListSyncs(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := h.store.RunsByOrg(c.Request.Context(), c.Param("orgID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]runView, 0, len(runs))
	for _, r := range runs {
		out = append(out, viewRun(r))
	}
	c.JSON(http.StatusOK, out)
}

// RunDedupe executes the merge pass followed by the permission recount,
// synchronously, and returns the combined report.
func (h *Handler) RunDedupe(c *gin.Context) {
	orgID := c.Param("orgID")

	rep, err := h.dedup.MergeDuplicates(c.Request.Context(), orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	recount, err := h.dedup.RecountFromRelations(c.Request.Context(), orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rep.AppsRecounted = recount.AppsRecounted
	rep.RecountedChanged = recount.RecountedChanged
	c.JSON(http.StatusOK, rep)
}
