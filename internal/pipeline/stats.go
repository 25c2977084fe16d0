package pipeline

import (
	"log/slog"
	"sync/atomic"
)

// Stats counts what one run touched. Counters are atomic because chunk
// workers update them concurrently.
type Stats struct {
	usersImported     atomic.Int64
	grantsFetched     atomic.Int64
	appsUpserted      atomic.Int64
	relationsUpserted atomic.Int64
	recordsSkipped    atomic.Int64
}

func (s *Stats) UsersImported() int64     { return s.usersImported.Load() }
func (s *Stats) GrantsFetched() int64     { return s.grantsFetched.Load() }
func (s *Stats) AppsUpserted() int64      { return s.appsUpserted.Load() }
func (s *Stats) RelationsUpserted() int64 { return s.relationsUpserted.Load() }
func (s *Stats) RecordsSkipped() int64    { return s.recordsSkipped.Load() }

// LogValue implements slog.LogValuer so the whole block logs as one group.
func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("users_imported", s.UsersImported()),
		slog.Int64("grants_fetched", s.GrantsFetched()),
		slog.Int64("apps_upserted", s.AppsUpserted()),
		slog.Int64("relations_upserted", s.RelationsUpserted()),
		slog.Int64("records_skipped", s.RecordsSkipped()),
	)
}
