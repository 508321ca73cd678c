// Package pagination loads older history pages when the reader scrolls near
// the top of a transcript.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"chatsync/models"
	"chatsync/transcript"
)

const (
	// DefaultPageSize is the number of messages requested per page.
	DefaultPageSize = 50
	// DefaultThreshold is the distance from the top, in pixels, that triggers a load.
	DefaultThreshold = 300
	// DefaultMaxRefetch bounds immediate re-requests after a page yields nothing visible.
	DefaultMaxRefetch = 5
)

var (
	ErrBusy        = errors.New("pagination: load already in flight")
	ErrExhausted   = errors.New("pagination: history exhausted")
	ErrCoolingDown = errors.New("pagination: cooling down after failure")
)

// HistoryLoader fetches one page of messages older than the local window.
type HistoryLoader interface {
	LoadOlder(ctx context.Context, conversationID string, pageSize, offset int) ([]models.Message, error)
}

// LoaderFunc adapts a function to HistoryLoader.
type LoaderFunc func(ctx context.Context, conversationID string, pageSize, offset int) ([]models.Message, error)

// LoadOlder calls f.
func (f LoaderFunc) LoadOlder(ctx context.Context, conversationID string, pageSize, offset int) ([]models.Message, error) {
	return f(ctx, conversationID, pageSize, offset)
}

// CursorLoader pages by position instead of offset. When the Loader also
// implements it, the controller asks for messages strictly older than the
// oldest one it has seen, so rows written at the newest end between loads do
// not shift later pages. A nil before means start from the newest message.
type CursorLoader interface {
	LoadBefore(ctx context.Context, conversationID string, pageSize int, before *models.Cursor) ([]models.Message, error)
}

// Merger accepts a history page and reports what was new.
type Merger interface {
	MergePage(page []models.Message) transcript.PageResult
}

// oldestHolder is implemented by mergers that can name their oldest message.
// It seeds the cursor when history is loaded after live messages arrived.
type oldestHolder interface {
	Oldest() (models.Message, bool)
}

// Viewport is the scrollable view the transcript is shown in.
type Viewport interface {
	ScrollHeight() float64
	ScrollTop() float64
	SetScrollTop(top float64)
}

// Options configures a Controller.
type Options struct {
	ConversationID string
	PageSize       int
	Threshold      float64
	MaxRefetch     int
	Loader         HistoryLoader
	Merger         Merger
	// Viewport is optional; without it no scroll anchoring is done.
	Viewport Viewport
	// OnMerged runs after a page is merged and before the viewport is re-measured.
	OnMerged func(ids []string)
	Backoff  backoff.BackOff
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Controller drives history pagination for one conversation.
type Controller struct {
	options Options
	log     zerolog.Logger

	mu        sync.Mutex
	loading   bool
	exhausted bool
	offset    int
	cursor    *models.Cursor
	retryAt   time.Time
}

// New returns a controller starting at offset zero.
func New(options Options) (*Controller, error) {
	if options.Loader == nil {
		return nil, errors.New("history loader is required")
	}
	if options.Merger == nil {
		return nil, errors.New("merger is required")
	}
	if options.PageSize <= 0 {
		options.PageSize = DefaultPageSize
	}
	if options.Threshold <= 0 {
		options.Threshold = DefaultThreshold
	}
	if options.MaxRefetch < 0 {
		options.MaxRefetch = 0
	} else if options.MaxRefetch == 0 {
		options.MaxRefetch = DefaultMaxRefetch
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Backoff == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 500 * time.Millisecond
		exp.MaxInterval = 30 * time.Second
		exp.MaxElapsedTime = 0
		options.Backoff = exp
	}

	return &Controller{
		options: options,
		log:     options.Logger.With().Str("conversation_id", options.ConversationID).Logger(),
	}, nil
}

// OnScroll loads an older page when distanceFromTop is within the threshold.
// It reports whether a load was attempted. Busy, exhausted, and cooling-down
// states are not errors here; the next scroll signal tries again.
func (c *Controller) OnScroll(ctx context.Context, distanceFromTop float64) (bool, error) {
	if distanceFromTop > c.options.Threshold {
		return false, nil
	}
	_, err := c.LoadOlder(ctx)
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrExhausted), errors.Is(err, ErrCoolingDown):
		return false, nil
	case err != nil:
		return true, err
	}
	return true, nil
}

// LoadOlder fetches and merges older history. It returns the number of
// messages added to the transcript.
func (c *Controller) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	switch {
	case c.loading:
		c.mu.Unlock()
		return 0, ErrBusy
	case c.exhausted:
		c.mu.Unlock()
		return 0, ErrExhausted
	case c.options.Now().Before(c.retryAt):
		c.mu.Unlock()
		return 0, ErrCoolingDown
	}
	c.loading = true
	offset := c.offset
	cursor := c.cursor
	c.mu.Unlock()

	if cursor == nil {
		if holder, ok := c.options.Merger.(oldestHolder); ok {
			if oldest, ok := holder.Oldest(); ok {
				seed := models.CursorOf(oldest)
				cursor = &seed
			}
		}
	}

	defer func() {
		c.mu.Lock()
		c.loading = false
		c.mu.Unlock()
	}()

	added := 0
	for refetch := 0; ; refetch++ {
		page, err := c.fetch(ctx, offset, cursor)
		if err != nil {
			wait := c.options.Backoff.NextBackOff()
			c.mu.Lock()
			c.offset = offset
			c.cursor = cursor
			if wait != backoff.Stop {
				c.retryAt = c.options.Now().Add(wait)
			}
			c.mu.Unlock()
			c.log.Warn().Err(err).Int("offset", offset).Dur("retry_in", wait).Msg("loading older messages failed")
			return added, fmt.Errorf("load older messages: %w", err)
		}
		c.options.Backoff.Reset()

		merged := c.merge(page)
		offset += merged.Fresh
		cursor = oldestOf(page, cursor)
		added += len(merged.Merged)

		usable := len(merged.Merged)
		if usable >= c.options.PageSize {
			c.commit(offset, cursor, false)
			return added, nil
		}
		if usable == 0 && merged.Fresh > 0 && len(page) >= c.options.PageSize && refetch < c.options.MaxRefetch {
			c.log.Debug().Int("offset", offset).Int("fresh", merged.Fresh).Msg("page had nothing visible, requesting next")
			continue
		}

		c.commit(offset, cursor, true)
		c.log.Debug().Int("offset", offset).Int("usable", usable).Msg("history exhausted")
		return added, nil
	}
}

// Loading reports whether a fetch is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Exhausted reports whether the start of history has been reached.
func (c *Controller) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Offset returns the history cursor.
func (c *Controller) Offset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

func (c *Controller) fetch(ctx context.Context, offset int, cursor *models.Cursor) ([]models.Message, error) {
	if loader, ok := c.options.Loader.(CursorLoader); ok {
		return loader.LoadBefore(ctx, c.options.ConversationID, c.options.PageSize, cursor)
	}
	return c.options.Loader.LoadOlder(ctx, c.options.ConversationID, c.options.PageSize, offset)
}

// oldestOf returns the earliest position among page and cursor.
func oldestOf(page []models.Message, cursor *models.Cursor) *models.Cursor {
	for _, message := range page {
		if message.ID == "" {
			continue
		}
		position := models.CursorOf(message)
		if cursor == nil || position.Before(*cursor) {
			cursor = &position
		}
	}
	return cursor
}

func (c *Controller) merge(page []models.Message) transcript.PageResult {
	viewport := c.options.Viewport
	var before float64
	if viewport != nil {
		before = viewport.ScrollHeight()
	}

	result := c.options.Merger.MergePage(page)
	if len(result.Merged) == 0 {
		return result
	}
	if c.options.OnMerged != nil {
		c.options.OnMerged(result.Merged)
	}
	if viewport != nil {
		if grown := viewport.ScrollHeight() - before; grown != 0 {
			viewport.SetScrollTop(viewport.ScrollTop() + grown)
		}
	}
	return result
}

func (c *Controller) commit(offset int, cursor *models.Cursor, exhausted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	c.cursor = cursor
	c.retryAt = time.Time{}
	if exhausted {
		c.exhausted = true
	}
}
