// Package pipeline orchestrates one organization's import run: user
// directory, OAuth grants, user-application relations, and a
// fire-and-forget categorization pass, with the run's persisted SyncRun
// row as the single source of truth for what happened.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/batch"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/breaker"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/idp"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/monitor"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/notify"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/store"
)

// ErrUsersNotReady is returned when the token stage exhausted its polling
// budget without the user directory ever appearing.
var ErrUsersNotReady = errors.New("pipeline: user directory never became available")

// Progress allocation per stage. Each stage only moves progress forward
// inside its own band; the store additionally enforces monotonicity.
const (
	progressStarted       = 1
	progressUsersFetch    = 10
	progressUsersDone     = 40
	progressTokensFetch   = 45
	progressTokensUpsert  = 60
	progressTokensDone    = 75
	progressRelationsWork = 80
	progressRelationsDone = 95
	progressDone          = 100
)

// emailTemplateSyncComplete is the template sent on an organization's
// first completed run.
const emailTemplateSyncComplete = "sync-complete"

// StageRequest identifies what a single stage should operate on. Every
// stage is invokable on its own with just this.
type StageRequest struct {
	OrgID       string
	RunID       string
	Credentials idp.Credentials
	// IdentityMap maps provider user keys to directory row ids. When nil
	// the token stage resolves it from the store itself.
	IdentityMap map[string]string
}

// Request starts a full run.
type Request struct {
	StageRequest
	UserEmail string
}

// Orchestrator sequences the pipeline stages for a run and owns their
// shared collaborators.
type Orchestrator struct {
	store    store.Store
	idp      idp.Client
	mon      *monitor.Monitor
	brk      *breaker.Breaker
	proc     *batch.Processor
	notifier notify.Notifier
	log      *slog.Logger

	stageDelay   time.Duration
	pollInitial  time.Duration
	pollCap      time.Duration
	pollAttempts int

	bg sync.WaitGroup
}

// New wires an Orchestrator with default pacing: 250ms between
// sequential stages and a user poll of 5 attempts at 2s/4s/8s/10s/10s.
func New(st store.Store, client idp.Client, mon *monitor.Monitor, brk *breaker.Breaker, proc *batch.Processor, notifier notify.Notifier) *Orchestrator {
	if notifier == nil {
		notifier = notify.NoOp{}
	}
	return &Orchestrator{
		store:        st,
		idp:          client,
		mon:          mon,
		brk:          brk,
		proc:         proc,
		notifier:     notifier,
		log:          slog.Default().With("component", "pipeline"),
		stageDelay:   250 * time.Millisecond,
		pollInitial:  2 * time.Second,
		pollCap:      10 * time.Second,
		pollAttempts: 5,
	}
}

// WithLogger overrides the orchestrator logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	if l != nil {
		o.log = l.With("component", "pipeline")
	}
	return o
}

// WithStageDelay overrides the base inter-stage delay. Negative values
// are ignored.
func (o *Orchestrator) WithStageDelay(d time.Duration) *Orchestrator {
	if d >= 0 {
		o.stageDelay = d
	}
	return o
}

// WithUserPoll overrides the identity-map polling backoff. Non-positive
// values are ignored.
func (o *Orchestrator) WithUserPoll(initial, cap time.Duration, attempts int) *Orchestrator {
	if initial > 0 && cap >= initial && attempts >= 1 {
		o.pollInitial, o.pollCap, o.pollAttempts = initial, cap, attempts
	}
	return o
}

// Wait blocks until outstanding fire-and-forget side effects finish.
// Called on worker shutdown.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Run executes the full pipeline for one run. Any fatal error writes
// FAILED with a human-readable message to the run row before returning.
// Completion side effects (categorization, one-time notification) run in
// the background and can never flip a COMPLETED run back to FAILED.
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	log := o.log.With("org", req.OrgID, "run", req.RunID)
	stats := &Stats{}
	started := time.Now()

	if err := o.setProgress(ctx, req.RunID, progressStarted, "Starting import"); err != nil {
		return err
	}

	// Bounded-parallel overlaps the user and token stages (tokens poll
	// the store until the user stage lands rows); it is only attempted
	// when memory pressure is not already elevated, and any parallel
	// failure falls back to a sequential retry from scratch.
	var (
		pending []*store.UserAppRelation
		err     error
	)
	if o.mon.ShouldThrottle() {
		log.Info("resource pressure elevated, running stages sequentially")
		pending, err = o.runSequential(ctx, req.StageRequest, stats)
	} else {
		pending, err = o.runParallel(ctx, req.StageRequest, stats)
		if err != nil {
			log.Warn("parallel stage execution failed, retrying sequentially", "error", err)
			pending, err = o.runSequential(ctx, req.StageRequest, stats)
		}
	}
	if err != nil {
		return o.fail(ctx, req.RunID, err)
	}

	if err := o.stagePause(ctx); err != nil {
		return o.fail(ctx, req.RunID, err)
	}

	if err := o.upsertRelations(ctx, req.StageRequest, pending, stats); err != nil {
		return o.fail(ctx, req.RunID, err)
	}

	if err := o.complete(ctx, req.RunID); err != nil {
		return err
	}
	log.Info("import run completed", "elapsed", time.Since(started).Round(time.Millisecond), "stats", stats)

	o.background(func(ctx context.Context) {
		if err := o.Categorize(ctx, req.OrgID); err != nil {
			log.Error("categorization failed", "error", err)
		}
	})
	o.background(func(ctx context.Context) {
		o.notifyFirstCompletion(ctx, req)
	})
	return nil
}

// runSequential runs the user stage, pauses, then the token stage.
func (o *Orchestrator) runSequential(ctx context.Context, req StageRequest, stats *Stats) ([]*store.UserAppRelation, error) {
	if err := o.ImportUsers(ctx, req, stats); err != nil {
		return nil, err
	}
	if err := o.stagePause(ctx); err != nil {
		return nil, err
	}
	return o.ImportTokens(ctx, req, stats)
}

// runParallel overlaps the user and token stages. The token stage's
// identity-map poll acts as the synchronization point: it retries until
// the concurrently-running user stage has landed rows.
func (o *Orchestrator) runParallel(ctx context.Context, req StageRequest, stats *Stats) ([]*store.UserAppRelation, error) {
	var pending []*store.UserAppRelation

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.ImportUsers(gctx, req, stats)
	})
	g.Go(func() error {
		p, err := o.ImportTokens(gctx, req, stats)
		if err != nil {
			return err
		}
		pending = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pending, nil
}

// stagePause applies the resource-scaled delay between stages.
func (o *Orchestrator) stagePause(ctx context.Context) error {
	delay := o.stageDelay
	if o.mon.ShouldThrottle() {
		delay += o.mon.ThrottleDelay()
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// setProgress moves the run forward. The store keeps progress monotone,
// so a stale caller can never move it backwards.
func (o *Orchestrator) setProgress(ctx context.Context, runID string, progress int, message string) error {
	if runID == "" {
		return nil
	}
	if err := o.store.UpdateRun(ctx, runID, store.RunInProgress, progress, message); err != nil {
		return fmt.Errorf("pipeline: update run %s: %w", runID, err)
	}
	return nil
}

// fail writes the terminal FAILED status before propagating the error.
// The write uses a detached context so a cancelled run still records why
// it died.
func (o *Orchestrator) fail(ctx context.Context, runID string, cause error) error {
	msg := failureMessage(cause)
	if runID != "" {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.store.UpdateRun(wctx, runID, store.RunFailed, 0, msg); err != nil {
			o.log.Error("failed to record run failure", "run", runID, "error", err)
		}
	}
	return cause
}

func (o *Orchestrator) complete(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}
	if err := o.store.UpdateRun(ctx, runID, store.RunCompleted, progressDone, "Import complete"); err != nil {
		return fmt.Errorf("pipeline: mark run %s completed: %w", runID, err)
	}
	return nil
}

// failureMessage renders the human-readable message persisted on the run
// row. The persisted status is the only error channel the UI has, so the
// common failure classes get specific wording.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return "Upstream provider is unavailable (circuit open); the import was aborted"
	case errors.Is(err, monitor.ErrResourcesExhausted):
		return "Worker ran out of resources and could not recover in time"
	case errors.Is(err, batch.ErrBrakeExhausted):
		return "Import aborted: the worker is structurally overloaded"
	case errors.Is(err, ErrUsersNotReady):
		return "User import never completed; token import timed out waiting for users"
	case errors.Is(err, idp.ErrAuth):
		return "Provider rejected the connection credentials"
	case errors.Is(err, idp.ErrQuota):
		return "Provider API quota exhausted"
	default:
		return "Import failed: " + err.Error()
	}
}

// background submits a fire-and-forget side effect. Failures are only
// ever observed through logs; the task context is detached from the run
// but bounded so shutdown cannot hang on it.
func (o *Orchestrator) background(fn func(context.Context)) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		fn(ctx)
	}()
}

// notifyFirstCompletion sends the one-time webhook and email, gated by
// whether any earlier run already completed for this organization.
// Errors are logged and swallowed.
func (o *Orchestrator) notifyFirstCompletion(ctx context.Context, req Request) {
	log := o.log.With("org", req.OrgID, "run", req.RunID)

	seen, err := o.store.HasCompletedRun(ctx, req.OrgID, req.RunID)
	if err != nil {
		log.Error("completion-notification idempotency check failed", "error", err)
		return
	}
	if seen {
		log.Debug("earlier completed run exists, skipping notification")
		return
	}

	payload := map[string]string{
		"event":  "sync.completed",
		"org_id": req.OrgID,
		"run_id": req.RunID,
	}
	if err := o.notifier.SendWebhook(ctx, payload); err != nil {
		log.Error("completion webhook failed", "error", err)
	}
	if req.UserEmail != "" {
		if err := o.notifier.SendEmail(ctx, req.UserEmail, emailTemplateSyncComplete, payload); err != nil {
			log.Error("completion email failed", "error", err)
		}
	}
}
