package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/grants"
)

// Memory is an in-memory Store guarded by a single RWMutex. All reads
// return copies so callers can never mutate shared state.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]*SyncRun
	users     map[string]*OrgUser
	userByKey map[string]string // orgID + "\x00" + userKey -> user id
	apps      map[string]*Application
	rels      map[string]*UserAppRelation
	relByPair map[string]string // userID + "\x00" + appID -> relation id
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]*SyncRun),
		users:     make(map[string]*OrgUser),
		userByKey: make(map[string]string),
		apps:      make(map[string]*Application),
		rels:      make(map[string]*UserAppRelation),
		relByPair: make(map[string]string),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

func (m *Memory) CreateRun(_ context.Context, run *SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	r := cloneRun(run)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) Run(_ context.Context, id string) (*SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *Memory) UpdateRun(_ context.Context, id string, status RunStatus, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.Progress = max(r.Progress, progress)
	r.Message = message
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) RunsByOrg(_ context.Context, orgID string, limit int) ([]*SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SyncRun
	for _, r := range m.runs {
		if r.OrgID == orgID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ActiveRun(_ context.Context, orgID string) (*SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *SyncRun
	for _, r := range m.runs {
		if r.OrgID != orgID || r.Terminal() {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return cloneRun(newest), nil
}

func (m *Memory) HasCompletedRun(_ context.Context, orgID, excludeRunID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.runs {
		if r.OrgID == orgID && r.ID != excludeRunID && r.Status == RunCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) UpsertUsers(_ context.Context, users []*OrgUser) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	written := 0
	for _, u := range users {
		key := pairKey(u.OrgID, u.UserKey)
		if id, ok := m.userByKey[key]; ok {
			existing := m.users[id]
			existing.Email = u.Email
			existing.Name = u.Name
		} else {
			row := cloneUser(u)
			if row.CreatedAt.IsZero() {
				row.CreatedAt = now
			}
			m.users[row.ID] = row
			m.userByKey[key] = row.ID
		}
		written++
	}
	return written, nil
}

func (m *Memory) UsersByOrg(_ context.Context, orgID string) ([]*OrgUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*OrgUser
	for _, u := range m.users {
		if u.OrgID == orgID {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out, nil
}

func (m *Memory) UpsertApplication(_ context.Context, app *Application) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := app.NameKey
	if key == "" {
		key = grants.NormalizeAppName(app.Name)
	}

	// Earliest row with the same natural key wins, mirroring the dedup
	// engine's primary-row rule.
	var existing *Application
	for _, a := range m.apps {
		if a.OrgID != app.OrgID || a.NameKey != key {
			continue
		}
		if existing == nil || a.CreatedAt.Before(existing.CreatedAt) {
			existing = a
		}
	}

	now := time.Now().UTC()
	if existing != nil {
		mergeApplication(existing, app)
		existing.UpdatedAt = now
		return cloneApp(existing), nil
	}

	row := cloneApp(app)
	row.NameKey = key
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	m.apps[row.ID] = row
	return cloneApp(row), nil
}

func (m *Memory) ApplicationsByOrg(_ context.Context, orgID string) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Application
	for _, a := range m.apps {
		if a.OrgID == orgID {
			out = append(out, cloneApp(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateApplication(_ context.Context, app *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apps[app.ID]; !ok {
		return ErrNotFound
	}
	row := cloneApp(app)
	row.UpdatedAt = time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = m.apps[app.ID].CreatedAt
	}
	m.apps[app.ID] = row
	return nil
}

func (m *Memory) SetApplicationCategory(_ context.Context, appID, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[appID]
	if !ok {
		return ErrNotFound
	}
	a.Category = category
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteApplications(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.apps, id)
	}
	return nil
}

func (m *Memory) UpsertRelations(_ context.Context, rels []*UserAppRelation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	written := 0
	for _, rel := range rels {
		key := pairKey(rel.UserID, rel.AppID)
		if id, ok := m.relByPair[key]; ok {
			existing := m.rels[id]
			existing.Scopes = grants.UnionScopes(existing.Scopes, rel.Scopes)
			existing.UpdatedAt = now
		} else {
			row := cloneRel(rel)
			if row.CreatedAt.IsZero() {
				row.CreatedAt = now
			}
			row.UpdatedAt = now
			m.rels[row.ID] = row
			m.relByPair[key] = row.ID
		}
		written++
	}
	return written, nil
}

func (m *Memory) RelationsByApp(_ context.Context, appID string) ([]*UserAppRelation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UserAppRelation
	for _, r := range m.rels {
		if r.AppID == appID {
			out = append(out, cloneRel(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) RelationsByOrg(_ context.Context, orgID string) ([]*UserAppRelation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orgApps := make(map[string]bool)
	for _, a := range m.apps {
		if a.OrgID == orgID {
			orgApps[a.ID] = true
		}
	}

	var out []*UserAppRelation
	for _, r := range m.rels {
		if orgApps[r.AppID] {
			out = append(out, cloneRel(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].AppID < out[j].AppID
	})
	return out, nil
}

func (m *Memory) UpdateRelation(_ context.Context, rel *UserAppRelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rels[rel.ID]
	if !ok {
		return ErrNotFound
	}
	delete(m.relByPair, pairKey(existing.UserID, existing.AppID))

	row := cloneRel(rel)
	row.CreatedAt = existing.CreatedAt
	row.UpdatedAt = time.Now().UTC()
	m.rels[row.ID] = row
	m.relByPair[pairKey(row.UserID, row.AppID)] = row.ID
	return nil
}

func (m *Memory) RetargetRelation(_ context.Context, relID, newAppID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rels[relID]
	if !ok {
		return ErrNotFound
	}
	delete(m.relByPair, pairKey(r.UserID, r.AppID))
	r.AppID = newAppID
	r.UpdatedAt = time.Now().UTC()
	m.relByPair[pairKey(r.UserID, r.AppID)] = relID
	return nil
}

func (m *Memory) DeleteRelations(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if r, ok := m.rels[id]; ok {
			delete(m.relByPair, pairKey(r.UserID, r.AppID))
			delete(m.rels, id)
		}
	}
	return nil
}

func (m *Memory) DeleteOrphanRelations(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, r := range m.rels {
		if _, ok := m.apps[r.AppID]; !ok {
			delete(m.relByPair, pairKey(r.UserID, r.AppID))
			delete(m.rels, id)
			removed++
		}
	}
	return removed, nil
}

func cloneRun(r *SyncRun) *SyncRun {
	c := *r
	return &c
}

func cloneUser(u *OrgUser) *OrgUser {
	c := *u
	return &c
}

func cloneApp(a *Application) *Application {
	c := *a
	c.AllScopes = slices.Clone(a.AllScopes)
	c.ProviderClientIDs = slices.Clone(a.ProviderClientIDs)
	return &c
}

func cloneRel(r *UserAppRelation) *UserAppRelation {
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	return &c
}
