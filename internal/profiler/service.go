package profiler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/pkg/metrics"
	"github.com/reqlens/reqlens/internal/storage"
)

// Queries strictly slower than this are tagged slow.
const slowQueryThresholdMs = 100

type Options struct {
	Enabled        bool
	CollectQueries bool
	CollectLogs    bool
	CollectMongo   bool
	CollectMySQL   bool
	CollectCache   bool
}

// Service owns the request lifecycle: it opens profiles, receives events
// from the collectors, runs post-request analysis and hands finished
// profiles to storage.
type Service struct {
	opts       Options
	store      storage.Storage
	onFinalize func(*model.RequestProfile)
}

func NewService(opts Options, store storage.Storage) *Service {
	if store == nil {
		store = storage.NewMemoryStorage(storage.DefaultCapacity)
	}
	return &Service{opts: opts, store: store}
}

func (s *Service) Enabled() bool {
	return s.opts.Enabled
}

// OnFinalize registers a hook invoked with every finalized profile. Used by
// the live websocket feed.
func (s *Service) OnFinalize(fn func(*model.RequestProfile)) {
	s.onFinalize = fn
}

// StartRequest creates a fresh profile. Returns nil when profiling is
// disabled; the caller must then skip EndRequest as well.
func (s *Service) StartRequest() *model.RequestProfile {
	if !s.opts.Enabled {
		return nil
	}
	now := time.Now().UnixMilli()
	return &model.RequestProfile{
		ID:        uuid.New().String(),
		StartTime: now,
		Timestamp: now,
		Queries:   []*model.QueryEvent{},
		Logs:      []*model.LogEvent{},
		Cache:     []*model.CacheEvent{},
	}
}

// EndRequest finalizes and persists the profile. After this call the profile
// is immutable from the coordinator's perspective.
func (s *Service) EndRequest(ctx context.Context, profile *model.RequestProfile) {
	if profile == nil {
		return
	}
	profile.EndTime = time.Now().UnixMilli()
	profile.DurationMs = profile.EndTime - profile.StartTime
	if profile.DurationMs < 0 {
		profile.DurationMs = 0
	}
	profile.Memory = model.TakeMemorySnapshot()

	s.analyzeRequest(profile)

	if err := s.save(ctx, profile); err != nil {
		// A failing backend never breaks request handling; the profile is
		// simply dropped.
		logger.Debug("dropping profile, storage failed", "id", profile.ID, "error", err)
		return
	}
	metrics.ProfilesTotal.Inc()
	if s.onFinalize != nil {
		s.onFinalize(profile)
	}
}

// AddQuery appends a query event to the active profile, if any. Events fired
// outside a request context are dropped.
func (s *Service) AddQuery(ctx context.Context, q *model.QueryEvent) {
	profile, ok := FromContext(ctx)
	if !ok {
		metrics.EventsDropped.WithLabelValues("no_context").Inc()
		logger.Debug("query captured outside request context", "statement", truncate(q.Fingerprint(), 50))
		return
	}
	profile.AppendQuery(q)
	metrics.EventsCaptured.WithLabelValues("query").Inc()
	_ = s.save(ctx, profile)
}

func (s *Service) AddLog(ctx context.Context, l *model.LogEvent) {
	profile, ok := FromContext(ctx)
	if !ok {
		metrics.EventsDropped.WithLabelValues("no_context").Inc()
		return
	}
	profile.AppendLog(l)
	metrics.EventsCaptured.WithLabelValues("log").Inc()
	_ = s.save(ctx, profile)
}

func (s *Service) AddCache(ctx context.Context, c *model.CacheEvent) {
	profile, ok := FromContext(ctx)
	if !ok {
		metrics.EventsDropped.WithLabelValues("no_context").Inc()
		logger.Debug("cache operation captured outside request context", "key", c.Key)
		return
	}
	profile.AppendCache(c)
	metrics.EventsCaptured.WithLabelValues("cache").Inc()
	_ = s.save(ctx, profile)
}

// CurrentProfile is a read-only peek at the active context, used by
// collectors to decide whether building an event is worth the work.
func (s *Service) CurrentProfile(ctx context.Context) *model.RequestProfile {
	p, _ := FromContext(ctx)
	return p
}

// save persists outside the request's cancellation scope: a client
// disconnect must not lose the profile.
func (s *Service) save(ctx context.Context, profile *model.RequestProfile) error {
	return s.store.Save(context.WithoutCancel(ctx), profile)
}

// analyzeRequest runs once at finalization: tags slow queries and marks N+1
// groups by exact-statement fingerprint.
func (s *Service) analyzeRequest(profile *model.RequestProfile) {
	if len(profile.Queries) == 0 {
		return
	}

	groups := make(map[string][]*model.QueryEvent)
	for _, q := range profile.Queries {
		fp := q.Fingerprint()
		groups[fp] = append(groups[fp], q)

		if q.DurationMs > slowQueryThresholdMs {
			q.AddTag(model.TagSlow)
			metrics.SlowQueries.Inc()
		}
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		for _, q := range group {
			q.DuplicatedCount = len(group)
			q.AddTag(model.TagNPlus1)
		}
	}
}

// ==================== Read APIs ====================

// Profiles returns the stored history, newest first.
func (s *Service) Profiles(ctx context.Context) ([]*model.RequestProfile, error) {
	return s.store.All(ctx)
}

// Profile returns a single profile by id, or nil.
func (s *Service) Profile(ctx context.Context, id string) (*model.RequestProfile, error) {
	return s.store.Get(ctx, id)
}

// Queries returns every query across all stored profiles, slowest first,
// each carrying a back-reference to its owning request.
func (s *Service) Queries(ctx context.Context) ([]model.FlatQuery, error) {
	profiles, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	var all []model.FlatQuery
	for _, p := range profiles {
		for _, q := range p.Queries {
			all = append(all, model.FlatQuery{
				QueryEvent:    q,
				RequestID:     p.ID,
				RequestURL:    p.URL,
				RequestMethod: p.Method,
			})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].DurationMs > all[j].DurationMs
	})
	return all, nil
}

// LogsPage is the paginated envelope for the flattened log list.
type LogsPage struct {
	Logs        []model.FlatLog `json:"logs"`
	CurrentPage int             `json:"currentPage"`
	TotalPages  int             `json:"totalPages"`
	TotalLogs   int             `json:"totalLogs"`
}

// Logs returns captured log lines newest first, paginated.
func (s *Service) Logs(ctx context.Context, page, pageSize int) (*LogsPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	profiles, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	var all []model.FlatLog
	for _, p := range profiles {
		for _, l := range p.Logs {
			all = append(all, model.FlatLog{
				LogEvent:      l,
				RequestID:     p.ID,
				RequestURL:    p.URL,
				RequestMethod: p.Method,
			})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp > all[j].Timestamp
	})

	total := len(all)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &LogsPage{
		Logs:        all[start:end],
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalLogs:   total,
	}, nil
}

// CacheOps returns every cache operation across all stored profiles, newest
// first.
func (s *Service) CacheOps(ctx context.Context) ([]model.FlatCache, error) {
	profiles, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	var all []model.FlatCache
	for _, p := range profiles {
		for _, c := range p.Cache {
			all = append(all, model.FlatCache{
				CacheEvent:    c,
				RequestID:     p.ID,
				RequestURL:    p.URL,
				RequestMethod: p.Method,
			})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].StartTime > all[j].StartTime
	})
	return all, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
