// Package attachments caches signed attachment URLs for a time window and
// refreshes them in debounced batches before and after they expire.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsync/content"
	"chatsync/models"
)

const (
	// DefaultTTL is how long a signed URL is served without revalidation.
	DefaultTTL = 3 * time.Hour
	// DefaultDebounce is how long refresh requests accumulate before one batch call.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultSweepInterval is the period of the proactive expiry scan.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultRequestTimeout bounds one batched resolver call.
	DefaultRequestTimeout = 15 * time.Second
)

// Resolver exchanges file keys for freshly signed URLs in one call.
type Resolver interface {
	ResolveURLs(ctx context.Context, keys []string) ([]models.ResolvedURL, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, keys []string) ([]models.ResolvedURL, error)

// ResolveURLs calls f.
func (f ResolverFunc) ResolveURLs(ctx context.Context, keys []string) ([]models.ResolvedURL, error) {
	return f(ctx, keys)
}

// Ref is one attachment referenced by one message.
type Ref struct {
	File      models.FileRef
	MessageID string
}

// Entry is a cached URL and the time it was signed.
type Entry struct {
	Value     string
	Timestamp time.Time
}

// Options configures a Cache.
type Options struct {
	Resolver       Resolver
	TTL            time.Duration
	Debounce       time.Duration
	SweepInterval  time.Duration
	RequestTimeout time.Duration
	Now            func() time.Time
	// Referenced lists attachments currently shown, for the background sweep.
	Referenced func() []Ref
	// OnRefreshed receives the IDs of messages whose attachment URLs changed.
	OnRefreshed func(messageIDs []string)
	// Backoff spaces out batches after a failed refresh. Defaults to exponential.
	Backoff backoff.BackOff
	Logger  zerolog.Logger
}

// Cache is a TTL map from file key to signed URL with a batched refresh queue.
type Cache struct {
	options Options
	log     zerolog.Logger

	mu       sync.Mutex
	entries  map[string]Entry
	pending  map[string]map[string]struct{}
	inflight map[string]map[string]struct{}
	timer    *time.Timer
	retryAt  time.Time
	closed   bool
}

// New returns an empty cache.
func New(options Options) *Cache {
	if options.TTL <= 0 {
		options.TTL = DefaultTTL
	}
	if options.Debounce <= 0 {
		options.Debounce = DefaultDebounce
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = DefaultSweepInterval
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Backoff == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = time.Second
		exp.MaxInterval = options.SweepInterval
		exp.MaxElapsedTime = 0
		options.Backoff = exp
	}

	return &Cache{
		options:  options,
		log:      options.Logger,
		entries:  make(map[string]Entry),
		pending:  make(map[string]map[string]struct{}),
		inflight: make(map[string]map[string]struct{}),
	}
}

// Resolve returns render state for one file reference of one message.
//
// A fresh entry is returned as is. An expired or missing entry is returned
// optimistically (stale URL, or the URL carried in the body) with NeedsLoading
// set, and a refresh is queued for it.
func (c *Cache) Resolve(ref models.FileRef, messageID string) models.FileAttachment {
	attachment := models.FileAttachment{
		FileName:       ref.FileName,
		UniqueFileName: ref.UniqueFileName,
		URL:            ref.URL,
		Type:           content.InferType(ref.FileName, ref.Type),
	}
	key := ref.Key()
	if key == "" {
		return attachment
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok {
		attachment.URL = entry.Value
		if c.freshLocked(entry) {
			return attachment
		}
	}
	attachment.NeedsLoading = true
	attachment.IsRefreshing = c.enqueueLocked(key, messageID)
	return attachment
}

// Enqueue queues a refresh for ref unless a fresh URL is already cached.
// It reports whether a refresh is pending for the key.
func (c *Cache) Enqueue(ref models.FileRef, messageID string) bool {
	key := ref.Key()
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.freshLocked(entry) {
		return false
	}
	return c.enqueueLocked(key, messageID)
}

// Put records a URL signed at the given time.
func (c *Cache) Put(key, url string, signedAt time.Time) {
	if key == "" || url == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Value: url, Timestamp: signedAt}
}

// Lookup returns the raw entry for key.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Pending returns the number of keys queued or in flight.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + len(c.inflight)
}

// Flush sends every queued key to the resolver in one call.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.closed || len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = make(map[string]map[string]struct{})
	keys := make([]string, 0, len(batch))
	for key, dependents := range batch {
		c.inflight[key] = dependents
		keys = append(keys, key)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	batchID := uuid.NewString()
	c.log.Debug().Str("batch_id", batchID).Strs("keys", keys).Msg("refreshing attachment urls")

	reqCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()
	results, err := c.options.Resolver.ResolveURLs(reqCtx, keys)

	c.mu.Lock()
	dependents := make(map[string]map[string]struct{}, len(keys))
	for _, key := range keys {
		dependents[key] = c.inflight[key]
		delete(c.inflight, key)
	}
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	if err != nil {
		wait := c.options.Backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = c.options.SweepInterval
		}
		c.retryAt = c.options.Now().Add(wait)
		for key, ids := range dependents {
			queued, ok := c.pending[key]
			if !ok {
				queued = make(map[string]struct{}, len(ids))
				c.pending[key] = queued
			}
			for id := range ids {
				queued[id] = struct{}{}
			}
		}
		c.scheduleLocked()
		c.mu.Unlock()

		c.log.Warn().Err(err).Str("batch_id", batchID).Int("keys", len(keys)).Dur("retry_in", wait).Msg("attachment url refresh failed")
		return fmt.Errorf("resolve attachment urls: %w", err)
	}

	c.options.Backoff.Reset()
	c.retryAt = time.Time{}
	signedAt := c.options.Now()
	touched := make(map[string]struct{})
	for _, result := range results {
		if result.URL == "" {
			continue
		}
		key := matchKey(result, dependents)
		if key == "" {
			continue
		}
		c.entries[key] = Entry{Value: result.URL, Timestamp: signedAt}
		for messageID := range dependents[key] {
			touched[messageID] = struct{}{}
		}
	}
	c.mu.Unlock()

	if len(touched) == 0 || c.options.OnRefreshed == nil {
		return nil
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.options.OnRefreshed(ids)
	return nil
}

// Sweep queues refreshes for every referenced attachment that is missing,
// expired, or will expire before the next sweep. It returns the number queued.
func (c *Cache) Sweep() int {
	if c.options.Referenced == nil {
		return 0
	}
	refs := c.options.Referenced()

	c.mu.Lock()
	defer c.mu.Unlock()

	horizon := c.options.TTL - c.options.SweepInterval
	now := c.options.Now()
	queued := 0
	for _, ref := range refs {
		key := ref.File.Key()
		if key == "" {
			continue
		}
		if entry, ok := c.entries[key]; ok && now.Sub(entry.Timestamp) < horizon {
			continue
		}
		if c.enqueueLocked(key, ref.MessageID) {
			queued++
		}
	}
	return queued
}

// Run sweeps on every interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug().Int("queued", n).Msg("attachment sweep queued refreshes")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close cancels queued refreshes. In-flight batches finish but are dropped.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]map[string]struct{})
}

func (c *Cache) freshLocked(entry Entry) bool {
	return c.options.Now().Sub(entry.Timestamp) < c.options.TTL
}

func (c *Cache) enqueueLocked(key, messageID string) bool {
	if c.closed || c.options.Resolver == nil {
		return false
	}
	if dependents, ok := c.inflight[key]; ok {
		if messageID != "" {
			dependents[messageID] = struct{}{}
		}
		return true
	}

	dependents, ok := c.pending[key]
	if !ok {
		dependents = make(map[string]struct{})
		c.pending[key] = dependents
	}
	if messageID != "" {
		dependents[messageID] = struct{}{}
	}
	c.scheduleLocked()
	return true
}

func (c *Cache) scheduleLocked() {
	if c.timer != nil {
		return
	}
	delay := c.options.Debounce
	if wait := c.retryAt.Sub(c.options.Now()); wait > delay {
		delay = wait
	}
	c.timer = time.AfterFunc(delay, func() {
		if err := c.Flush(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Debug().Err(err).Msg("scheduled attachment refresh failed")
		}
	})
}

// matchKey maps a resolver result back to the key it was requested under.
func matchKey(result models.ResolvedURL, requested map[string]map[string]struct{}) string {
	for _, candidate := range []string{result.UniqueFileName, result.OriginalName} {
		if candidate == "" {
			continue
		}
		if _, ok := requested[candidate]; ok {
			return candidate
		}
	}
	for key := range requested {
		if strings.EqualFold(key, result.UniqueFileName) || strings.EqualFold(key, result.OriginalName) {
			return key
		}
	}
	return ""
}
