package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/api"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/dedupe"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/pipeline"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/store"
)

type fakePipeline struct {
	st store.Store

	mu   sync.Mutex
	reqs []pipeline.Request
}

func (f *fakePipeline) Run(ctx context.Context, req pipeline.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.st.UpdateRun(ctx, req.RunID, store.RunCompleted, 100, "Import complete")
}

func (f *fakePipeline) requests() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.reqs...)
}

type fakeDeduper struct {
	merge   *dedupe.Report
	recount *dedupe.Report
	err     error
}

func (f *fakeDeduper) MergeDuplicates(context.Context, string) (*dedupe.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	rep := *f.merge
	return &rep, nil
}

func (f *fakeDeduper) RecountFromRelations(context.Context, string) (*dedupe.Report, error) {
	rep := *f.recount
	return &rep, nil
}

type harness struct {
	router *gin.Engine
	h      *api.Handler
	store  *store.Memory
	pipe   *fakePipeline
	dedup  *fakeDeduper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	pipe := &fakePipeline{st: st}
	dedup := &fakeDeduper{
		merge:   &dedupe.Report{Groups: 2, AppsMerged: 3, RelsRetargeted: 4, RelsMerged: 1, OrphansDeleted: 1},
		recount: &dedupe.Report{AppsRecounted: 7, RecountedChanged: 2},
	}
	h := api.NewHandler(context.Background(), st, pipe, dedup)
	return &harness{router: api.Router(h), h: h, store: st, pipe: pipe, dedup: dedup}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStartSyncLaunchesRun(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/orgs/org-1/syncs", map[string]any{
		"user_email": "admin@org-1.test",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	require.Equal(t, "PENDING", resp.Status)

	h.h.Wait()

	reqs := h.pipe.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "org-1", reqs[0].OrgID)
	require.Equal(t, resp.RunID, reqs[0].RunID)
	require.Equal(t, "admin@org-1.test", reqs[0].UserEmail)

	run, err := h.store.Run(context.Background(), resp.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.Status)
}

func TestStartSyncRejectsWhenRunActive(t *testing.T) {
	h := newHarness(t)

	active := &store.SyncRun{ID: uuid.NewString(), OrgID: "org-1", Status: store.RunInProgress}
	require.NoError(t, h.store.CreateRun(context.Background(), active))

	w := h.do(t, http.MethodPost, "/api/orgs/org-1/syncs", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, active.ID, resp["run_id"])
	require.Empty(t, h.pipe.requests())
}

func TestStartSyncAllowedAfterTerminalRun(t *testing.T) {
	h := newHarness(t)

	done := &store.SyncRun{ID: uuid.NewString(), OrgID: "org-1", Status: store.RunFailed}
	require.NoError(t, h.store.CreateRun(context.Background(), done))

	w := h.do(t, http.MethodPost, "/api/orgs/org-1/syncs", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	h.h.Wait()
}

func TestStartSyncRejectsMalformedBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/orgs/org-1/syncs", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSync(t *testing.T) {
	h := newHarness(t)

	run := &store.SyncRun{ID: uuid.NewString(), OrgID: "org-1", Status: store.RunInProgress, Progress: 40, Message: "Importing users"}
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	w := h.do(t, http.MethodGet, "/api/syncs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Message  string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, run.ID, resp.ID)
	require.Equal(t, "IN_PROGRESS", resp.Status)
	require.Equal(t, 40, resp.Progress)
	require.Equal(t, "Importing users", resp.Message)
}

func TestGetSyncNotFound(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/syncs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSyncsNewestFirstWithLimit(t *testing.T) {
	h := newHarness(t)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, h.store.CreateRun(context.Background(), &store.SyncRun{
			ID: ids[i], OrgID: "org-1", Status: store.RunCompleted,
		}))
	}

	w := h.do(t, http.MethodGet, "/api/orgs/org-1/syncs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp, 2)

	w = h.do(t, http.MethodGet, "/api/orgs/org-1/syncs?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunDedupeCombinesReports(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/orgs/org-1/dedupe", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rep dedupe.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	require.Equal(t, 2, rep.Groups)
	require.Equal(t, 3, rep.AppsMerged)
	require.Equal(t, 7, rep.AppsRecounted)
	require.Equal(t, 2, rep.RecountedChanged)
}

func TestRunDedupeSurfacesEngineError(t *testing.T) {
	h := newHarness(t)
	h.dedup.err = context.DeadlineExceeded

	w := h.do(t, http.MethodPost, "/api/orgs/org-1/dedupe", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}
