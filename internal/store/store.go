// Package store persists the import pipeline's durable state: sync runs,
// the per-organization user directory, discovered applications, and the
// user-to-application relation edges. Two implementations exist, a
// Postgres one for production and an in-memory one for tests and local
// runs without a database.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/grants"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunPending    RunStatus = "PENDING"
	RunInProgress RunStatus = "IN_PROGRESS"
	RunCompleted  RunStatus = "COMPLETED"
	RunFailed     RunStatus = "FAILED"
)

// Management status values for discovered applications.
// ManagementNeedsReview is the value new rows get; the dedup engine treats
// it as "default" when deciding which status survives a merge.
const (
	ManagementNeedsReview = "NEEDS_REVIEW"
	ManagementManaged     = "MANAGED"
	ManagementUnmanaged   = "UNMANAGED"
	ManagementIgnored     = "IGNORED"
)

// SyncRun is one import attempt for one organization. Terminal once
// COMPLETED or FAILED; progress never decreases while the run is alive.
type SyncRun struct {
	ID        string
	OrgID     string
	Status    RunStatus
	Progress  int
	Message   string
	UserEmail string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the run reached a final state.
func (r *SyncRun) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// OrgUser is one row of an organization's imported user directory.
type OrgUser struct {
	ID        string
	OrgID     string
	UserKey   string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Application is one discovered application within an organization.
// (OrgID, NameKey) is the natural key; duplicate rows can appear under
// concurrent imports and are collapsed by the dedup engine.
type Application struct {
	ID                string
	OrgID             string
	Name              string
	NameKey           string
	Category          string
	RiskLevel         grants.RiskLevel
	ManagementStatus  string
	TotalPermissions  int
	AllScopes         []string
	ProviderClientIDs []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserAppRelation links one user to one application with the union of
// every scope observed for the pair. At most one row per (UserID, AppID).
type UserAppRelation struct {
	ID        string
	UserID    string
	AppID     string
	Scopes    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence contract consumed by the pipeline, the dedup
// engine, and the HTTP surface.
type Store interface {
	// CreateRun inserts a new sync run row.
	CreateRun(ctx context.Context, run *SyncRun) error
	// Run fetches a sync run by id. Returns ErrNotFound if absent.
	Run(ctx context.Context, id string) (*SyncRun, error)
	// UpdateRun writes status, progress, and message in one conditional
	// write. Progress is monotone: a lower value than the stored one is
	// kept at the stored value.
	UpdateRun(ctx context.Context, id string, status RunStatus, progress int, message string) error
	// RunsByOrg lists runs for an organization, newest first.
	RunsByOrg(ctx context.Context, orgID string, limit int) ([]*SyncRun, error)
	// ActiveRun returns the organization's PENDING or IN_PROGRESS run,
	// or ErrNotFound when none is active.
	ActiveRun(ctx context.Context, orgID string) (*SyncRun, error)
	// HasCompletedRun reports whether any COMPLETED run other than
	// excludeRunID exists for the organization.
	HasCompletedRun(ctx context.Context, orgID, excludeRunID string) (bool, error)

	// UpsertUsers writes directory users keyed by (OrgID, UserKey),
	// returning the number of rows written.
	UpsertUsers(ctx context.Context, users []*OrgUser) (int, error)
	// UsersByOrg lists an organization's directory users.
	UsersByOrg(ctx context.Context, orgID string) ([]*OrgUser, error)

	// UpsertApplication inserts the application or merges it into the
	// existing row with the same (OrgID, NameKey): scopes union, risk
	// escalates but never downgrades, permission count never shrinks.
	// Returns the stored row.
	UpsertApplication(ctx context.Context, app *Application) (*Application, error)
	// ApplicationsByOrg lists applications ordered by creation time.
	ApplicationsByOrg(ctx context.Context, orgID string) ([]*Application, error)
	// UpdateApplication overwrites an application row.
	UpdateApplication(ctx context.Context, app *Application) error
	// SetApplicationCategory assigns a category to one application.
	SetApplicationCategory(ctx context.Context, appID, category string) error
	// DeleteApplications removes application rows by id.
	DeleteApplications(ctx context.Context, ids []string) error

	// UpsertRelations writes relation rows keyed by (UserID, AppID),
	// unioning scopes with any existing row. Returns rows written.
	UpsertRelations(ctx context.Context, rels []*UserAppRelation) (int, error)
	// RelationsByApp lists the relation rows pointing at one application.
	RelationsByApp(ctx context.Context, appID string) ([]*UserAppRelation, error)
	// RelationsByOrg lists every relation row belonging to an
	// organization's applications.
	RelationsByOrg(ctx context.Context, orgID string) ([]*UserAppRelation, error)
	// UpdateRelation overwrites a relation row.
	UpdateRelation(ctx context.Context, rel *UserAppRelation) error
	// RetargetRelation points a relation at a different application.
	RetargetRelation(ctx context.Context, relID, newAppID string) error
	// DeleteRelations removes relation rows by id.
	DeleteRelations(ctx context.Context, ids []string) error
	// DeleteOrphanRelations removes relations whose application row is
	// gone, returning the number removed.
	DeleteOrphanRelations(ctx context.Context) (int, error)
}

// mergeApplication folds an incoming upsert into an existing row. Shared
// by both implementations so upsert semantics cannot drift.
func mergeApplication(existing, incoming *Application) {
	existing.AllScopes = grants.UnionScopes(existing.AllScopes, incoming.AllScopes)
	existing.RiskLevel = grants.MaxRisk(existing.RiskLevel, incoming.RiskLevel)
	existing.ProviderClientIDs = appendMissing(existing.ProviderClientIDs, incoming.ProviderClientIDs)

	count := max(existing.TotalPermissions, incoming.TotalPermissions)
	existing.TotalPermissions = max(count, len(existing.AllScopes))

	if existing.Category == "" {
		existing.Category = incoming.Category
	}
	if existing.ManagementStatus == "" {
		existing.ManagementStatus = incoming.ManagementStatus
	}
	if existing.Name == "" {
		existing.Name = incoming.Name
	}
}

// appendMissing concatenates values from src not already present in dst,
// preserving first-seen order.
func appendMissing(dst, src []string) []string {
	for _, v := range src {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
