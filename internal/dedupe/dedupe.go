// Package dedupe collapses duplicate application rows that overlapping
// imports left behind and re-points their user relations at a single
// surviving row. Both passes are idempotent: running them again over a
// clean organization changes nothing.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/grants"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/store"
)

// Engine runs the merge and recount passes against one store.
type Engine struct {
	store store.Store
	log   *slog.Logger
}

func New(st store.Store) *Engine {
	return &Engine{
		store: st,
		log:   slog.Default().With("component", "dedupe"),
	}
}

// WithLogger overrides the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.log = l.With("component", "dedupe")
	}
	return e
}

// Report summarizes one merge pass.
type Report struct {
	Groups           int `json:"duplicate_groups"`
	AppsMerged       int `json:"apps_merged"`
	RelsRetargeted   int `json:"relations_retargeted"`
	RelsMerged       int `json:"relations_merged"`
	OrphansDeleted   int `json:"orphans_deleted"`
	AppsRecounted    int `json:"apps_recounted"`
	RecountedChanged int `json:"recount_changed"`
}

// MergeDuplicates restores the (organization, normalized name) natural
// key. For every group of rows sharing a name key, the earliest-created
// row becomes primary: scope sets are unioned into it, risk escalates to
// the group maximum, the permission count to the larger of the stored
// counts and the union size, provider client ids concatenate, and the
// first non-default management status survives. Relations pointing at
// the other rows are re-targeted at the primary, unioning scopes when
// the primary already has a relation for that user, then the duplicate
// rows and any orphaned relations are deleted.
func (e *Engine) MergeDuplicates(ctx context.Context, orgID string) (*Report, error) {
	rep := &Report{}

	apps, err := e.store.ApplicationsByOrg(ctx, orgID)
	if err != nil {
		return rep, fmt.Errorf("dedupe: list applications: %w", err)
	}

	// ApplicationsByOrg orders by creation time, so the first row of each
	// group is the primary.
	byKey := make(map[string][]*store.Application)
	var keys []string
	for _, app := range apps {
		k := app.NameKey
		if k == "" {
			k = grants.NormalizeAppName(app.Name)
		}
		if _, seen := byKey[k]; !seen {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], app)
	}

	for _, k := range keys {
		group := byKey[k]
		if len(group) < 2 {
			continue
		}
		rep.Groups++
		if err := e.mergeGroup(ctx, group, rep); err != nil {
			return rep, err
		}
	}

	orphans, err := e.store.DeleteOrphanRelations(ctx)
	if err != nil {
		return rep, fmt.Errorf("dedupe: delete orphan relations: %w", err)
	}
	rep.OrphansDeleted = orphans

	if rep.Groups > 0 {
		e.log.Info("merge pass finished", "org", orgID,
			"groups", rep.Groups, "apps_merged", rep.AppsMerged,
			"relations_retargeted", rep.RelsRetargeted, "relations_merged", rep.RelsMerged,
			"orphans_deleted", rep.OrphansDeleted)
	}
	return rep, nil
}

func (e *Engine) mergeGroup(ctx context.Context, group []*store.Application, rep *Report) error {
	primary := group[0]
	dups := group[1:]

	for _, dup := range dups {
		primary.AllScopes = grants.UnionScopes(primary.AllScopes, dup.AllScopes)
		primary.RiskLevel = grants.MaxRisk(primary.RiskLevel, dup.RiskLevel)
		primary.TotalPermissions = max(primary.TotalPermissions, dup.TotalPermissions)
		for _, cid := range dup.ProviderClientIDs {
			if !slices.Contains(primary.ProviderClientIDs, cid) {
				primary.ProviderClientIDs = append(primary.ProviderClientIDs, cid)
			}
		}
		if isDefaultStatus(primary.ManagementStatus) && !isDefaultStatus(dup.ManagementStatus) {
			primary.ManagementStatus = dup.ManagementStatus
		}
		if primary.Category == "" {
			primary.Category = dup.Category
		}
	}
	primary.TotalPermissions = max(primary.TotalPermissions, len(primary.AllScopes))

	if err := e.store.UpdateApplication(ctx, primary); err != nil {
		return fmt.Errorf("dedupe: update primary %s: %w", primary.ID, err)
	}

	// Index the primary's existing relations by user before touching the
	// duplicates' relations.
	primaryRels, err := e.store.RelationsByApp(ctx, primary.ID)
	if err != nil {
		return fmt.Errorf("dedupe: list primary relations: %w", err)
	}
	byUser := make(map[string]*store.UserAppRelation, len(primaryRels))
	for _, rel := range primaryRels {
		byUser[rel.UserID] = rel
	}

	var deadApps, deadRels []string
	for _, dup := range dups {
		rels, err := e.store.RelationsByApp(ctx, dup.ID)
		if err != nil {
			return fmt.Errorf("dedupe: list relations of %s: %w", dup.ID, err)
		}
		for _, rel := range rels {
			if existing, ok := byUser[rel.UserID]; ok {
				existing.Scopes = grants.UnionScopes(existing.Scopes, rel.Scopes)
				if err := e.store.UpdateRelation(ctx, existing); err != nil {
					return fmt.Errorf("dedupe: merge relation %s: %w", rel.ID, err)
				}
				deadRels = append(deadRels, rel.ID)
				rep.RelsMerged++
				continue
			}
			if err := e.store.RetargetRelation(ctx, rel.ID, primary.ID); err != nil {
				return fmt.Errorf("dedupe: retarget relation %s: %w", rel.ID, err)
			}
			rel.AppID = primary.ID
			byUser[rel.UserID] = rel
			rep.RelsRetargeted++
		}
		deadApps = append(deadApps, dup.ID)
	}

	if err := e.store.DeleteRelations(ctx, deadRels); err != nil {
		return fmt.Errorf("dedupe: delete duplicate relations: %w", err)
	}
	if err := e.store.DeleteApplications(ctx, deadApps); err != nil {
		return fmt.Errorf("dedupe: delete duplicate applications: %w", err)
	}
	rep.AppsMerged += len(deadApps)
	return nil
}

// RecountFromRelations recomputes each application's permission count and
// risk level from the union of its actual relation scopes, correcting
// drift between provider-declared and observed permissions. Risk never
// downgrades. Applications with no relations are left untouched.
func (e *Engine) RecountFromRelations(ctx context.Context, orgID string) (*Report, error) {
	rep := &Report{}

	apps, err := e.store.ApplicationsByOrg(ctx, orgID)
	if err != nil {
		return rep, fmt.Errorf("dedupe: list applications: %w", err)
	}

	for _, app := range apps {
		rels, err := e.store.RelationsByApp(ctx, app.ID)
		if err != nil {
			return rep, fmt.Errorf("dedupe: list relations of %s: %w", app.ID, err)
		}
		if len(rels) == 0 {
			continue
		}
		rep.AppsRecounted++

		var union []string
		for _, rel := range rels {
			union = grants.UnionScopes(union, rel.Scopes)
		}

		risk := grants.MaxRisk(app.RiskLevel, grants.ScoreRisk(union))
		count := len(union)
		if risk == app.RiskLevel && count == app.TotalPermissions {
			continue
		}

		app.RiskLevel = risk
		app.TotalPermissions = count
		if err := e.store.UpdateApplication(ctx, app); err != nil {
			return rep, fmt.Errorf("dedupe: recount %s: %w", app.ID, err)
		}
		rep.RecountedChanged++
	}

	return rep, nil
}

func isDefaultStatus(s string) bool {
	return s == "" || s == store.ManagementNeedsReview
}
