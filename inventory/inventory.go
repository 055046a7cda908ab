package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opsflow/opsflow/internal/metrics"
	"github.com/opsflow/opsflow/types"
)

// SourceTag records which tier served a read.
type SourceTag string

const (
	// SourceCache marks a result served from the cache tier.
	SourceCache SourceTag = "cache"
	// SourceFallback marks a result served by a direct source fetch.
	SourceFallback SourceTag = "fallback"
)

// Item is the normalized work-item shape shared by every department.
// Timestamp, when present, is always RFC 3339 text regardless of what the
// source produced.
type Item struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Account   string            `json:"account,omitempty"`
	Amount    float64           `json:"amount,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Record is a raw source row before normalization. Timestamp may be a
// string, a time.Time, an epoch number, or a vendor wrapper map.
type Record struct {
	ID        string
	Status    string
	Account   string
	Amount    float64
	Timestamp any
	Fields    map[string]string
}

// Department describes a named work queue and its status vocabulary.
type Department struct {
	Name     string
	Statuses []string
}

// Fetcher reads the authoritative inventory of one department.
type Fetcher interface {
	Fetch(ctx context.Context, scope string) ([]Record, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, scope string) ([]Record, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, scope string) ([]Record, error) {
	return f(ctx, scope)
}

// CacheService is the slice of the cache tier the inventory service needs.
// *cache.Manager satisfies it.
type CacheService interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Entry is the cached payload for one (scope, department) pair.
type Entry struct {
	Scope      string            `json:"scope"`
	Department string            `json:"department"`
	Items      map[string][]Item `json:"items"`
	CachedAt   time.Time         `json:"cached_at"`
}

// Result is one department inventory read, bucketed by status. Every
// status the department declares is present as a key even when empty.
type Result struct {
	Scope      string            `json:"scope"`
	Department string            `json:"department"`
	Items      map[string][]Item `json:"items"`
	Source     SourceTag         `json:"source"`
	CachedAt   time.Time         `json:"cached_at,omitzero"`
	Warning    string            `json:"warning,omitempty"`
}

// Total returns the item count across all status buckets.
func (r Result) Total() int {
	n := 0
	for _, items := range r.Items {
		n += len(items)
	}
	return n
}

// Config controls cache TTL and source-fetch retry behavior.
type Config struct {
	TTL          time.Duration `yaml:"ttl"`
	FetchRetries int           `yaml:"fetch_retries"`
	FetchBackoff time.Duration `yaml:"fetch_backoff"`
}

// DefaultConfig returns the default inventory configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          5 * time.Minute,
		FetchRetries: 3,
		FetchBackoff: 200 * time.Millisecond,
	}
}

func (c Config) backoff(attempt int) time.Duration {
	d := c.FetchBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Service serves department inventories through the cache tier with
// source fallback.
type Service struct {
	mu          sync.RWMutex
	cache       CacheService
	departments map[string]Department
	fetchers    map[string]Fetcher
	config      Config
	logger      *zap.Logger
	collector   *metrics.Collector
}

// NewService creates an inventory service. cache may be nil, in which case
// every read goes straight to the source.
func NewService(cache CacheService, config Config, logger *zap.Logger, collector *metrics.Collector) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FetchRetries <= 0 {
		config.FetchRetries = 1
	}
	return &Service{
		cache:       cache,
		departments: make(map[string]Department),
		fetchers:    make(map[string]Fetcher),
		config:      config,
		logger:      logger.With(zap.String("component", "inventory")),
		collector:   collector,
	}
}

// RegisterDepartment binds a department to its source fetcher. The
// registry is closed: duplicate names are rejected and unknown names fail
// at read time.
func (s *Service) RegisterDepartment(dept Department, fetcher Fetcher) error {
	if dept.Name == "" {
		return types.NewError(types.ErrInvalidInput, "department name is empty")
	}
	if fetcher == nil {
		return types.NewError(types.ErrInvalidInput, "fetcher is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.departments[dept.Name]; ok {
		return types.Errorf(types.ErrInvalidInput, "department %q already registered", dept.Name)
	}
	s.departments[dept.Name] = dept
	s.fetchers[dept.Name] = fetcher
	return nil
}

// Departments returns the registered department names.
func (s *Service) Departments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.departments))
	for name := range s.departments {
		names = append(names, name)
	}
	return names
}

func (s *Service) lookup(name string) (Department, Fetcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dept, ok := s.departments[name]
	if !ok {
		return Department{}, nil, types.Errorf(types.ErrNotFound, "unknown department %q", name)
	}
	return dept, s.fetchers[name], nil
}

func cacheKey(scope, department string) string {
	return fmt.Sprintf("inventory:%s:%s", scope, department)
}

// DepartmentItems reads one department inventory for a scope. A cache hit
// with at least one item is returned as-is; a miss, a decode failure, or
// an empty cached entry all trigger a source fetch. A fetch failure
// degrades to an empty result carrying a warning rather than an error, so
// one flaky source cannot take down a broader read.
func (s *Service) DepartmentItems(ctx context.Context, scope, department string) (Result, error) {
	dept, fetcher, err := s.lookup(department)
	if err != nil {
		return Result{}, err
	}

	if s.cache != nil {
		var entry Entry
		if cerr := s.cache.GetJSON(ctx, cacheKey(scope, department), &entry); cerr == nil {
			if total(entry.Items) > 0 {
				s.collector.CacheHit(department)
				return Result{
					Scope:      scope,
					Department: department,
					Items:      withAllStatuses(entry.Items, dept),
					Source:     SourceCache,
					CachedAt:   entry.CachedAt,
				}, nil
			}
			s.logger.Debug("ignoring empty cache entry",
				zap.String("scope", scope),
				zap.String("department", department))
		}
	}

	s.collector.CacheFallback(department)
	records, err := s.fetchWithRetry(ctx, fetcher, scope, department)
	if err != nil {
		s.collector.FetchFailed(department)
		s.logger.Warn("source fetch failed, degrading to empty inventory",
			zap.String("scope", scope),
			zap.String("department", department),
			zap.Error(err))
		return Result{
			Scope:      scope,
			Department: department,
			Items:      withAllStatuses(nil, dept),
			Source:     SourceFallback,
			Warning:    fmt.Sprintf("source fetch failed: %v", err),
		}, nil
	}

	items := bucketRecords(records, dept)
	now := time.Now().UTC()
	if s.cache != nil {
		entry := Entry{Scope: scope, Department: department, Items: items, CachedAt: now}
		if cerr := s.cache.SetJSON(ctx, cacheKey(scope, department), entry, s.config.TTL); cerr != nil {
			s.logger.Warn("cache write failed",
				zap.String("department", department),
				zap.Error(cerr))
		}
	}
	return Result{
		Scope:      scope,
		Department: department,
		Items:      items,
		Source:     SourceFallback,
		CachedAt:   now,
	}, nil
}

func (s *Service) fetchWithRetry(ctx context.Context, fetcher Fetcher, scope, department string) ([]Record, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.config.backoff(attempt - 1)):
			}
		}
		start := time.Now()
		records, err := fetcher.Fetch(ctx, scope)
		s.collector.FetchObserved(department, time.Since(start))
		if err == nil {
			return records, nil
		}
		lastErr = err
		s.logger.Debug("fetch attempt failed",
			zap.String("department", department),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, types.NewError(types.ErrTransientSource, "inventory source unavailable").WithCause(lastErr)
}

// Invalidate drops the cache entry for one (scope, department) pair. The
// next read falls through to the source.
func (s *Service) Invalidate(ctx context.Context, scope, department string) error {
	if s.cache == nil {
		return nil
	}
	// Overwrite with an empty entry instead of deleting: empty entries are
	// never trusted, so the effect is the same and CacheService stays small.
	return s.cache.SetJSON(ctx, cacheKey(scope, department), Entry{
		Scope:      scope,
		Department: department,
		CachedAt:   time.Now().UTC(),
	}, s.config.TTL)
}

// Snapshot reads several departments concurrently. Per-department fetch
// failures surface as warning-flagged empty results; only context
// cancellation or an unknown department name aborts the snapshot.
func (s *Service) Snapshot(ctx context.Context, scope string, departments ...string) (map[string]Result, error) {
	if len(departments) == 0 {
		departments = s.Departments()
	}
	results := make([]Result, len(departments))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range departments {
		i, name := i, name
		g.Go(func() error {
			res, err := s.DepartmentItems(gctx, scope, name)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]Result, len(results))
	for _, res := range results {
		out[res.Department] = res
	}
	return out, nil
}

func total(items map[string][]Item) int {
	n := 0
	for _, v := range items {
		n += len(v)
	}
	return n
}

// withAllStatuses guarantees every declared status appears as a bucket,
// empty or not, so consumers get a stable shape.
func withAllStatuses(items map[string][]Item, dept Department) map[string][]Item {
	out := make(map[string][]Item, len(dept.Statuses))
	for _, status := range dept.Statuses {
		out[status] = []Item{}
	}
	for status, v := range items {
		out[status] = append(out[status], v...)
	}
	return out
}

func bucketRecords(records []Record, dept Department) map[string][]Item {
	items := withAllStatuses(nil, dept)
	for _, rec := range records {
		item := normalizeRecord(rec)
		items[item.Status] = append(items[item.Status], item)
	}
	return items
}
