package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
	defaultInterval    = 30 * time.Second
	defaultTTL         = 30 * time.Second
)

// Source describes one registered upstream feed.
type Source struct {
	Key      string
	URL      string
	Interval time.Duration
	TTL      time.Duration
}

// Entry is the last successfully fetched value for a source. A stale entry
// is still served (stale-while-revalidate); it is replaced, never deleted.
type Entry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
	TTL       time.Duration   `json:"ttl"`
}

// Event is emitted to subscribed handlers after every successful refresh.
type Event struct {
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler receives refresh events for one source key.
type Handler func(Event)

// SnapshotStore persists last-known-good entries across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, entry Entry) error
	Load(ctx context.Context, key string) (Entry, error)
}

// AuditPublisher receives one record per successful refresh, for external
// analytics collaborators. Failures are logged and absorbed.
type AuditPublisher interface {
	PublishRefresh(event Event) error
}

// SourceStats is the per-source health view exposed by Stats.
type SourceStats struct {
	Fetches   uint64    `json:"fetches"`
	Errors    uint64    `json:"errors"`
	Freshness float64   `json:"freshness"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type Options struct {
	Fetcher     Fetcher
	MaxAttempts int
	BaseDelay   time.Duration
	Snapshots   SnapshotStore
	Audit       AuditPublisher
}

// Connector keeps a fixed catalogue of upstream sources fresh, isolates
// callers from upstream flakiness, and notifies observers on change.
//
// The entry map is single-writer (the fetch-completion path) and
// multi-reader; at most one fetch is in flight per source key at a time.
type Connector struct {
	fetcher     Fetcher
	maxAttempts int
	baseDelay   time.Duration
	snapshots   SnapshotStore
	audit       AuditPublisher

	mu          sync.RWMutex
	sources     map[string]Source
	entries     map[string]Entry
	handlers    map[string][]Handler
	fetchCounts map[string]uint64
	errorCounts map[string]uint64

	group  singleflight.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Connector {
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(10 * time.Second)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}

	return &Connector{
		fetcher:     opts.Fetcher,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		snapshots:   opts.Snapshots,
		audit:       opts.Audit,
		sources:     make(map[string]Source),
		entries:     make(map[string]Entry),
		handlers:    make(map[string][]Handler),
		fetchCounts: make(map[string]uint64),
		errorCounts: make(map[string]uint64),
	}
}

// RegisterSource adds a source to the catalogue. Call before Start.
func (c *Connector) RegisterSource(src Source) error {
	if src.Key == "" {
		return ErrUnknownSource
	}
	if src.Interval <= 0 {
		src.Interval = defaultInterval
	}
	if src.TTL <= 0 {
		src.TTL = defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[src.Key] = src
	return nil
}

// Subscribe registers a handler for one source key. Handlers are invoked
// from the fetch-completion path, after the cache entry is replaced.
func (c *Connector) Subscribe(key string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sources[key]; !ok {
		return ErrUnknownSource
	}
	c.handlers[key] = append(c.handlers[key], handler)
	return nil
}

// Sources returns the registered source keys in stable order.
func (c *Connector) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.sources))
	for key := range c.sources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Start warm-loads persisted snapshots, then runs one independent ticker
// per source. Tickers are deliberately not synchronized to each other.
func (c *Connector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.warmStart(ctx)

	c.mu.RLock()
	sources := make([]Source, 0, len(c.sources))
	for _, src := range c.sources {
		sources = append(sources, src)
	}
	c.mu.RUnlock()

	for _, src := range sources {
		c.wg.Add(1)
		go c.runSource(ctx, src)
	}
	slog.Info("Connector started", "sources", len(sources))
}

// Stop cancels all schedulers and waits for in-flight fetches to settle.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	slog.Info("Connector stopped")
}

// Refresh triggers an immediate fetch for one source. A call issued while
// a fetch for the same key is in flight is coalesced into that attempt.
func (c *Connector) Refresh(ctx context.Context, key string) error {
	c.mu.RLock()
	src, ok := c.sources[key]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownSource
	}

	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		return nil, c.fetchWithRetry(ctx, src)
	})
	return err
}

// Get returns the current entry without triggering a fetch. It never
// blocks; a stale entry is returned as-is.
func (c *Connector) Get(key string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.sources[key]; !ok {
		return Entry{}, ErrUnknownSource
	}
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, ErrNotYetFetched
	}
	return entry, nil
}

// Freshness reports a 0-1 score: 1 right after a fetch, decaying linearly
// to 0 once the TTL has elapsed. A never-fetched source reports 0.
func (c *Connector) Freshness(key string) float64 {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || entry.TTL <= 0 {
		return 0
	}
	elapsed := time.Since(entry.FetchedAt)
	score := 1 - float64(elapsed)/float64(entry.TTL)
	if score < 0 {
		return 0
	}
	return score
}

// Stats returns per-source fetch and error counters plus freshness.
func (c *Connector) Stats() map[string]SourceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[string]SourceStats, len(c.sources))
	for key := range c.sources {
		s := SourceStats{
			Fetches: c.fetchCounts[key],
			Errors:  c.errorCounts[key],
		}
		if entry, ok := c.entries[key]; ok {
			s.FetchedAt = entry.FetchedAt
			elapsed := time.Since(entry.FetchedAt)
			if score := 1 - float64(elapsed)/float64(entry.TTL); score > 0 {
				s.Freshness = score
			}
		}
		stats[key] = s
	}
	return stats
}

func (c *Connector) runSource(ctx context.Context, src Source) {
	defer c.wg.Done()

	ticker := time.NewTicker(src.Interval)
	defer ticker.Stop()

	// Prime the cache so the first joiners are not left waiting a full tick.
	if err := c.Refresh(ctx, src.Key); err != nil && ctx.Err() == nil {
		slog.Warn("Initial fetch failed", "source", src.Key, "error", err)
	}

	for {
		select {
		case <-ticker.C:
			// Failures keep the previous entry; nothing to do here.
			_ = c.Refresh(ctx, src.Key)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) fetchWithRetry(ctx context.Context, src Source) error {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		payload, err := c.fetcher.Fetch(ctx, src)
		if err == nil {
			c.apply(src, payload)
			return nil
		}
		lastErr = err
		slog.Warn("Fetch attempt failed", "source", src.Key, "attempt", attempt, "error", err)

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.baseDelay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = c.maxAttempts
		}
	}

	c.mu.Lock()
	c.errorCounts[src.Key]++
	c.mu.Unlock()

	ferr := &FetchError{Source: src.Key, Attempts: c.maxAttempts, Err: lastErr}
	slog.Error("Fetch exhausted retries, serving stale entry", "source", src.Key, "error", lastErr)
	return ferr
}

// apply installs a fresh entry and fans the event out to observers. Entries
// are monotonically replaced; an older FetchedAt never wins.
func (c *Connector) apply(src Source, payload []byte) {
	now := time.Now()
	entry := Entry{Key: src.Key, Payload: payload, FetchedAt: now, TTL: src.TTL}

	c.mu.Lock()
	if prev, ok := c.entries[src.Key]; ok && prev.FetchedAt.After(now) {
		c.mu.Unlock()
		return
	}
	c.entries[src.Key] = entry
	c.fetchCounts[src.Key]++
	handlers := make([]Handler, len(c.handlers[src.Key]))
	copy(handlers, c.handlers[src.Key])
	c.mu.Unlock()

	if c.snapshots != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := c.snapshots.Save(saveCtx, entry); err != nil {
			slog.Warn("Snapshot save failed", "source", src.Key, "error", err)
		}
		cancel()
	}

	event := Event{Source: src.Key, Payload: payload, Timestamp: now}
	if c.audit != nil {
		if err := c.audit.PublishRefresh(event); err != nil {
			slog.Warn("Audit publish failed", "source", src.Key, "error", err)
		}
	}
	for _, handler := range handlers {
		handler(event)
	}
}

// warmStart restores last-known-good entries from the snapshot store so a
// restarted process can serve data before the first upstream fetch lands.
func (c *Connector) warmStart(ctx context.Context) {
	if c.snapshots == nil {
		return
	}
	for _, key := range c.Sources() {
		entry, err := c.snapshots.Load(ctx, key)
		if err != nil {
			continue
		}
		c.mu.Lock()
		if _, ok := c.entries[key]; !ok {
			c.entries[key] = entry
			slog.Info("Restored snapshot", "source", key, "fetchedAt", entry.FetchedAt)
		}
		c.mu.Unlock()
	}
}
