package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/grants"
)

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  slog.Default().With("component", "store.postgres"),
	}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// schema is idempotent bootstrap DDL, applied at worker startup.
//
// applications deliberately carries no unique constraint on
// (org_id, name_key): overlapping imports may race duplicate rows into
// existence, and the dedupe engine is the mechanism that collapses them.
const schema = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id         uuid PRIMARY KEY,
	org_id     text NOT NULL,
	status     text NOT NULL,
	progress   int  NOT NULL DEFAULT 0,
	message    text NOT NULL DEFAULT '',
	user_email text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sync_runs_org_idx ON sync_runs (org_id, created_at DESC);

CREATE TABLE IF NOT EXISTS org_users (
	id         uuid PRIMARY KEY,
	org_id     text NOT NULL,
	user_key   text NOT NULL,
	email      text NOT NULL,
	name       text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now(),
	UNIQUE (org_id, user_key)
);

CREATE TABLE IF NOT EXISTS applications (
	id                  uuid PRIMARY KEY,
	org_id              text NOT NULL,
	name                text NOT NULL,
	name_key            text NOT NULL,
	category            text NOT NULL DEFAULT '',
	risk_level          text NOT NULL DEFAULT 'LOW',
	management_status   text NOT NULL DEFAULT 'NEEDS_REVIEW',
	total_permissions   int  NOT NULL DEFAULT 0,
	all_scopes          text[] NOT NULL DEFAULT '{}',
	provider_client_ids text[] NOT NULL DEFAULT '{}',
	created_at          timestamptz NOT NULL DEFAULT now(),
	updated_at          timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS applications_org_key_idx ON applications (org_id, name_key);

CREATE TABLE IF NOT EXISTS user_applications (
	id         uuid PRIMARY KEY,
	user_id    uuid NOT NULL,
	app_id     uuid NOT NULL,
	scopes     text[] NOT NULL DEFAULT '{}',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	UNIQUE (user_id, app_id)
);
CREATE INDEX IF NOT EXISTS user_applications_app_idx ON user_applications (app_id);
`

// EnsureSchema applies the bootstrap DDL.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

const runColumns = "id, org_id, status, progress, message, user_email, created_at, updated_at"

func scanRun(row pgx.Row) (*SyncRun, error) {
	var r SyncRun
	err := row.Scan(&r.ID, &r.OrgID, &r.Status, &r.Progress, &r.Message, &r.UserEmail, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *SyncRun) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, org_id, status, progress, message, user_email)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.OrgID, run.Status, run.Progress, run.Message, run.UserEmail)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

func (p *Postgres) Run(ctx context.Context, id string) (*SyncRun, error) {
	run, err := scanRun(p.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return run, err
}

func (p *Postgres) UpdateRun(ctx context.Context, id string, status RunStatus, progress int, message string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, progress = GREATEST(progress, $3), message = $4, updated_at = now()
		WHERE id = $1`,
		id, status, progress, message)
	if err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RunsByOrg(ctx context.Context, orgID string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE org_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list runs: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveRun(ctx context.Context, orgID string) (*SyncRun, error) {
	run, err := scanRun(p.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE org_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1`, orgID, RunPending, RunInProgress))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: active run: %w", err)
	}
	return run, err
}

func (p *Postgres) HasCompletedRun(ctx context.Context, orgID, excludeRunID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_runs
			WHERE org_id = $1 AND status = $2 AND id <> $3
		)`, orgID, RunCompleted, excludeRunID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: completed-run check: %w", err)
	}
	return exists, nil
}

// UpsertUsers bulk-loads via CopyFrom into a transaction-scoped temp
// table, then merges into org_users keyed by (org_id, user_key).
func (p *Postgres) UpsertUsers(ctx context.Context, users []*OrgUser) (int, error) {
	if len(users) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: upsert users: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE tmp_org_users
		(LIKE org_users INCLUDING DEFAULTS)
		ON COMMIT DROP`)
	if err != nil {
		return 0, fmt.Errorf("store: upsert users: temp table: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"tmp_org_users"},
		[]string{"id", "org_id", "user_key", "email", "name"},
		pgx.CopyFromSlice(len(users), func(i int) ([]any, error) {
			u := users[i]
			return []any{u.ID, u.OrgID, u.UserKey, u.Email, u.Name}, nil
		}))
	if err != nil {
		return 0, fmt.Errorf("store: upsert users: copy: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO org_users (id, org_id, user_key, email, name)
		SELECT id, org_id, user_key, email, name FROM tmp_org_users
		ON CONFLICT (org_id, user_key)
		DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name`)
	if err != nil {
		return 0, fmt.Errorf("store: upsert users: merge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: upsert users: commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) UsersByOrg(ctx context.Context, orgID string) ([]*OrgUser, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, org_id, user_key, email, name, created_at
		FROM org_users WHERE org_id = $1
		ORDER BY user_key`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var out []*OrgUser
	for rows.Next() {
		var u OrgUser
		if err := rows.Scan(&u.ID, &u.OrgID, &u.UserKey, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list users: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

const appColumns = "id, org_id, name, name_key, category, risk_level, management_status, total_permissions, all_scopes, provider_client_ids, created_at, updated_at"

func scanApp(row pgx.Row) (*Application, error) {
	var a Application
	err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.NameKey, &a.Category, &a.RiskLevel,
		&a.ManagementStatus, &a.TotalPermissions, &a.AllScopes, &a.ProviderClientIDs,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertApplication merges into the earliest existing row with the same
// (org_id, name_key), mirroring the dedupe engine's primary-row rule.
// The read-merge-write runs in one transaction with the candidate row
// locked, so concurrent upserts of the same application serialize.
func (p *Postgres) UpsertApplication(ctx context.Context, app *Application) (*Application, error) {
	key := app.NameKey
	if key == "" {
		key = grants.NormalizeAppName(app.Name)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: upsert application: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanApp(tx.QueryRow(ctx, `
		SELECT `+appColumns+` FROM applications
		WHERE org_id = $1 AND name_key = $2
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE`, app.OrgID, key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: upsert application: %w", err)
	}

	if existing != nil {
		mergeApplication(existing, app)
		existing.UpdatedAt = time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE applications
			SET name = $2, category = $3, risk_level = $4, management_status = $5,
			    total_permissions = $6, all_scopes = $7, provider_client_ids = $8,
			    updated_at = $9
			WHERE id = $1`,
			existing.ID, existing.Name, existing.Category, existing.RiskLevel,
			existing.ManagementStatus, existing.TotalPermissions, existing.AllScopes,
			existing.ProviderClientIDs, existing.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: upsert application: update: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("store: upsert application: commit: %w", err)
		}
		return existing, nil
	}

	row := *app
	row.NameKey = key
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO applications (`+appColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		row.ID, row.OrgID, row.Name, row.NameKey, row.Category, row.RiskLevel,
		row.ManagementStatus, row.TotalPermissions, row.AllScopes, row.ProviderClientIDs,
		row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: upsert application: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: upsert application: commit: %w", err)
	}
	return &row, nil
}

func (p *Postgres) ApplicationsByOrg(ctx context.Context, orgID string) ([]*Application, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+appColumns+` FROM applications
		WHERE org_id = $1
		ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list applications: %w", err)
	}
	defer rows.Close()

	var out []*Application
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list applications: %w", err)
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateApplication(ctx context.Context, app *Application) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE applications
		SET name = $2, name_key = $3, category = $4, risk_level = $5,
		    management_status = $6, total_permissions = $7, all_scopes = $8,
		    provider_client_ids = $9, updated_at = now()
		WHERE id = $1`,
		app.ID, app.Name, app.NameKey, app.Category, app.RiskLevel,
		app.ManagementStatus, app.TotalPermissions, app.AllScopes, app.ProviderClientIDs)
	if err != nil {
		return fmt.Errorf("store: update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetApplicationCategory(ctx context.Context, appID, category string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE applications SET category = $2, updated_at = now() WHERE id = $1`,
		appID, category)
	if err != nil {
		return fmt.Errorf("store: set category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteApplications(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM applications WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("store: delete applications: %w", err)
	}
	return nil
}

// UpsertRelations batches relation writes; a conflicting (user_id,
// app_id) row has its scope set unioned in SQL.
func (p *Postgres) UpsertRelations(ctx context.Context, rels []*UserAppRelation) (int, error) {
	if len(rels) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, rel := range rels {
		b.Queue(`
			INSERT INTO user_applications (id, user_id, app_id, scopes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, app_id) DO UPDATE SET
				scopes = (
					SELECT array_agg(DISTINCT s ORDER BY s)
					FROM unnest(user_applications.scopes || EXCLUDED.scopes) AS s
				),
				updated_at = now()`,
			rel.ID, rel.UserID, rel.AppID, rel.Scopes)
	}

	br := p.pool.SendBatch(ctx, b)
	defer br.Close()

	written := 0
	for range rels {
		if _, err := br.Exec(); err != nil {
			return written, fmt.Errorf("store: upsert relations: %w", err)
		}
		written++
	}
	return written, nil
}

const relColumns = "id, user_id, app_id, scopes, created_at, updated_at"

func scanRel(row pgx.Row) (*UserAppRelation, error) {
	var r UserAppRelation
	err := row.Scan(&r.ID, &r.UserID, &r.AppID, &r.Scopes, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) RelationsByApp(ctx context.Context, appID string) ([]*UserAppRelation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+relColumns+` FROM user_applications
		WHERE app_id = $1
		ORDER BY user_id`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: list relations: %w", err)
	}
	defer rows.Close()
	return collectRels(rows)
}

func (p *Postgres) RelationsByOrg(ctx context.Context, orgID string) ([]*UserAppRelation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT r.id, r.user_id, r.app_id, r.scopes, r.created_at, r.updated_at
		FROM user_applications r
		JOIN applications a ON a.id = r.app_id
		WHERE a.org_id = $1
		ORDER BY r.user_id, r.app_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list org relations: %w", err)
	}
	defer rows.Close()
	return collectRels(rows)
}

func collectRels(rows pgx.Rows) ([]*UserAppRelation, error) {
	var out []*UserAppRelation
	for rows.Next() {
		rel, err := scanRel(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan relation: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRelation(ctx context.Context, rel *UserAppRelation) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE user_applications
		SET user_id = $2, app_id = $3, scopes = $4, updated_at = now()
		WHERE id = $1`,
		rel.ID, rel.UserID, rel.AppID, rel.Scopes)
	if err != nil {
		return fmt.Errorf("store: update relation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RetargetRelation(ctx context.Context, relID, newAppID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE user_applications SET app_id = $2, updated_at = now() WHERE id = $1`,
		relID, newAppID)
	if err != nil {
		return fmt.Errorf("store: retarget relation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteRelations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM user_applications WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("store: delete relations: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteOrphanRelations(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM user_applications r
		WHERE NOT EXISTS (SELECT 1 FROM applications a WHERE a.id = r.app_id)`)
	if err != nil {
		return 0, fmt.Errorf("store: delete orphan relations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
