package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/batch"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/grants"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/idp"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/store"
)

// ImportUsers pulls the provider's user directory and upserts it into the
// organization's directory table. Suspended users and rows missing a key
// or email are skipped, never fatal.
func (o *Orchestrator) ImportUsers(ctx context.Context, req StageRequest, stats *Stats) error {
	if stats == nil {
		stats = &Stats{}
	}
	if err := o.setProgress(ctx, req.RunID, progressUsersFetch, "Fetching user directory"); err != nil {
		return err
	}

	var users []idp.DirectoryUser
	err := o.brk.Do(ctx, func(ctx context.Context) error {
		var err error
		users, err = o.idp.FetchUsers(ctx, req.Credentials)
		return err
	})
	if err != nil {
		return fmt.Errorf("pipeline: fetch users: %w", err)
	}

	rows := make([]*store.OrgUser, 0, len(users))
	for _, u := range users {
		if u.Suspended || u.Key == "" || u.Email == "" {
			stats.recordsSkipped.Add(1)
			continue
		}
		rows = append(rows, &store.OrgUser{
			ID:      uuid.NewString(),
			OrgID:   req.OrgID,
			UserKey: u.Key,
			Email:   u.Email,
			Name:    u.Name,
		})
	}

	_, err = batch.Run(ctx, o.proc, rows, func(ctx context.Context, chunk []*store.OrgUser) error {
		n, err := o.store.UpsertUsers(ctx, chunk)
		if err != nil {
			return err
		}
		stats.usersImported.Add(int64(n))
		return nil
	}, "user-import")
	if err != nil {
		return fmt.Errorf("pipeline: upsert users: %w", err)
	}

	return o.setProgress(ctx, req.RunID, progressUsersDone, "User directory imported")
}

// appGroup is one distinct application's grant records within a run,
// keyed by normalized display name.
type appGroup struct {
	name string
	key  string
	recs []idp.GrantRecord
}

// ImportTokens fetches the organization's OAuth grant records, groups
// them into one application per distinct display name, and upserts the
// application rows. It returns the pending user-application relation
// rows for the relation stage. The identity map is taken from the
// request when supplied, otherwise resolved by polling the store.
func (o *Orchestrator) ImportTokens(ctx context.Context, req StageRequest, stats *Stats) ([]*store.UserAppRelation, error) {
	if stats == nil {
		stats = &Stats{}
	}

	idmap, err := o.resolveIdentityMap(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := o.setProgress(ctx, req.RunID, progressTokensFetch, "Fetching OAuth grant records"); err != nil {
		return nil, err
	}
	recs, err := o.fetchGrants(ctx, req)
	if err != nil {
		return nil, err
	}
	stats.grantsFetched.Add(int64(len(recs)))

	if err := o.setProgress(ctx, req.RunID, progressTokensUpsert, "Upserting discovered applications"); err != nil {
		return nil, err
	}

	groups := groupByApplication(recs)

	var (
		mu      sync.Mutex
		pending []*store.UserAppRelation
	)
	worker := func(ctx context.Context, chunk []appGroup) error {
		var local []*store.UserAppRelation
		for _, g := range chunk {
			rels, err := o.upsertAppGroup(ctx, req.OrgID, g, idmap, stats)
			if err != nil {
				return err
			}
			local = append(local, rels...)
		}
		mu.Lock()
		pending = append(pending, local...)
		mu.Unlock()
		return nil
	}

	if _, err := batch.Run(ctx, o.proc, groups, worker, "token-import"); err != nil {
		return nil, fmt.Errorf("pipeline: upsert applications: %w", err)
	}

	if err := o.setProgress(ctx, req.RunID, progressTokensDone, "Applications imported"); err != nil {
		return nil, err
	}
	return pending, nil
}

// upsertAppGroup writes one application row and builds its relation rows.
// Per-token risk comes from the union of every scope shape the raw
// record exposes; the application's risk is the maximum across its
// tokens and only ever escalates in the store.
func (o *Orchestrator) upsertAppGroup(ctx context.Context, orgID string, g appGroup, idmap map[string]string, stats *Stats) ([]*store.UserAppRelation, error) {
	var (
		union     []string
		risk      grants.RiskLevel
		clientIDs []string
	)
	scopesByRec := make([][]string, len(g.recs))
	for i, rec := range g.recs {
		set := grants.ScopeSet(rec)
		scopesByRec[i] = set
		union = grants.UnionScopes(union, set)
		risk = grants.MaxRisk(risk, grants.ScoreRisk(set))
		if rec.ClientID != "" && !slices.Contains(clientIDs, rec.ClientID) {
			clientIDs = append(clientIDs, rec.ClientID)
		}
	}

	stored, err := o.store.UpsertApplication(ctx, &store.Application{
		ID:                uuid.NewString(),
		OrgID:             orgID,
		Name:              g.name,
		NameKey:           g.key,
		RiskLevel:         risk,
		ManagementStatus:  store.ManagementNeedsReview,
		AllScopes:         union,
		TotalPermissions:  len(union),
		ProviderClientIDs: clientIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert application %q: %w", g.name, err)
	}
	stats.appsUpserted.Add(1)

	var rels []*store.UserAppRelation
	for i, rec := range g.recs {
		userID, ok := idmap[rec.UserKey]
		if !ok {
			// Grant for a user the directory import never produced,
			// usually a deleted or suspended account.
			stats.recordsSkipped.Add(1)
			continue
		}
		rels = append(rels, &store.UserAppRelation{
			ID:     uuid.NewString(),
			UserID: userID,
			AppID:  stored.ID,
			Scopes: scopesByRec[i],
		})
	}
	return rels, nil
}

// ImportRelations is the standalone relation stage: it re-derives the
// pending relation rows from the provider and the store, then upserts
// them. Inside a full run the orchestrator calls upsertRelations with
// the rows the token stage already built.
func (o *Orchestrator) ImportRelations(ctx context.Context, req StageRequest, stats *Stats) error {
	if stats == nil {
		stats = &Stats{}
	}
	pending, err := o.rebuildPending(ctx, req, stats)
	if err != nil {
		return err
	}
	return o.upsertRelations(ctx, req, pending, stats)
}

func (o *Orchestrator) upsertRelations(ctx context.Context, req StageRequest, pending []*store.UserAppRelation, stats *Stats) error {
	if err := o.setProgress(ctx, req.RunID, progressRelationsWork, "Linking users to applications"); err != nil {
		return err
	}

	_, err := batch.Run(ctx, o.proc, pending, func(ctx context.Context, chunk []*store.UserAppRelation) error {
		n, err := o.store.UpsertRelations(ctx, chunk)
		if err != nil {
			return err
		}
		stats.relationsUpserted.Add(int64(n))
		return nil
	}, "relation-import")
	if err != nil {
		return fmt.Errorf("pipeline: upsert relations: %w", err)
	}

	return o.setProgress(ctx, req.RunID, progressRelationsDone, "User-application relations imported")
}

// rebuildPending reconstructs the relation rows a token stage would have
// produced, matching grant records against the stored application rows
// by normalized name.
func (o *Orchestrator) rebuildPending(ctx context.Context, req StageRequest, stats *Stats) ([]*store.UserAppRelation, error) {
	idmap, err := o.resolveIdentityMap(ctx, req)
	if err != nil {
		return nil, err
	}
	recs, err := o.fetchGrants(ctx, req)
	if err != nil {
		return nil, err
	}

	apps, err := o.store.ApplicationsByOrg(ctx, req.OrgID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list applications: %w", err)
	}
	appByKey := make(map[string]string, len(apps))
	for _, app := range apps {
		if _, seen := appByKey[app.NameKey]; !seen {
			appByKey[app.NameKey] = app.ID
		}
	}

	var pending []*store.UserAppRelation
	for _, rec := range recs {
		userID, ok := idmap[rec.UserKey]
		if !ok {
			stats.recordsSkipped.Add(1)
			continue
		}
		appID, ok := appByKey[grants.NormalizeAppName(displayName(rec))]
		if !ok {
			stats.recordsSkipped.Add(1)
			continue
		}
		pending = append(pending, &store.UserAppRelation{
			ID:     uuid.NewString(),
			UserID: userID,
			AppID:  appID,
			Scopes: grants.ScopeSet(rec),
		})
	}
	return pending, nil
}

// fetchGrants is the breaker-guarded provider call shared by the token
// and relation stages.
func (o *Orchestrator) fetchGrants(ctx context.Context, req StageRequest) ([]idp.GrantRecord, error) {
	var recs []idp.GrantRecord
	err := o.brk.Do(ctx, func(ctx context.Context) error {
		var err error
		recs, err = o.idp.FetchGrantRecords(ctx, req.Credentials)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetch grant records: %w", err)
	}
	return recs, nil
}

// resolveIdentityMap returns the provider-key-to-row-id map for the
// organization's users. Without a caller-supplied map it polls the store
// with exponential backoff, because in parallel execution the user stage
// may still be writing. It aborts immediately when the run row reports
// the user stage FAILED, and returns ErrUsersNotReady once the attempt
// budget is spent.
func (o *Orchestrator) resolveIdentityMap(ctx context.Context, req StageRequest) (map[string]string, error) {
	if req.IdentityMap != nil {
		return req.IdentityMap, nil
	}

	wait := o.pollInitial
	for attempt := 1; attempt <= o.pollAttempts; attempt++ {
		users, err := o.store.UsersByOrg(ctx, req.OrgID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: poll users: %w", err)
		}
		if len(users) > 0 {
			idmap := make(map[string]string, len(users))
			for _, u := range users {
				idmap[u.UserKey] = u.ID
			}
			return idmap, nil
		}

		if req.RunID != "" {
			run, err := o.store.Run(ctx, req.RunID)
			if err == nil && run.Status == store.RunFailed {
				return nil, fmt.Errorf("pipeline: user import failed upstream: %s", run.Message)
			}
		}

		o.log.Debug("user directory not ready", "org", req.OrgID, "attempt", attempt, "next_wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, o.pollCap)
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrUsersNotReady, o.pollAttempts)
}

// groupByApplication buckets grant records into one group per distinct
// normalized display name.
func groupByApplication(recs []idp.GrantRecord) []appGroup {
	order, byKey := batch.GroupByKey(recs, func(r idp.GrantRecord) string {
		return grants.NormalizeAppName(displayName(r))
	})

	groups := make([]appGroup, 0, len(order))
	for _, key := range order {
		group := byKey[key]
		groups = append(groups, appGroup{
			name: displayName(group[0]),
			key:  key,
			recs: group,
		})
	}
	return groups
}

// displayName picks the best human-readable name a grant record offers.
func displayName(rec idp.GrantRecord) string {
	if s := strings.TrimSpace(rec.DisplayText); s != "" {
		return s
	}
	if rec.ClientID != "" {
		return rec.ClientID
	}
	return "Unknown App"
}
