// Package session owns every store of one open conversation and is the single
// entry point for the push sources and the presentation layer.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatsync/attachments"
	"chatsync/content"
	"chatsync/decrypt"
	"chatsync/identity"
	"chatsync/models"
	"chatsync/pagination"
	"chatsync/transcript"
)

// DeletedPlaceholder is rendered in place of a tombstone's content.
const DeletedPlaceholder = "This message was deleted"

var (
	ErrClosed    = errors.New("session: closed")
	ErrNoHistory = errors.New("session: no history loader configured")
)

// Options configures a Session. Zero durations and counts fall back to the
// defaults of the package that owns them.
type Options struct {
	ConversationID string
	CurrentUser    string

	Provider decrypt.Provider
	Resolver attachments.Resolver
	Loader   pagination.HistoryLoader
	Viewport pagination.Viewport

	PageSize        int
	ScrollThreshold float64
	MaxRefetch      int

	URLTTL          time.Duration
	RefreshDebounce time.Duration
	SweepInterval   time.Duration
	ResolverTimeout time.Duration

	PollInterval   time.Duration
	MaxAttempts    int
	DecryptTimeout time.Duration

	// OnInvalidate receives IDs whose rendering changed outside a direct call,
	// such as a finished decrypt or refreshed attachment URLs.
	OnInvalidate func(ids []string)
	Now          func() time.Time
	Logger       zerolog.Logger
}

// Rendered is the display form of one message.
type Rendered struct {
	ID    string
	Text  string
	Files []models.FileAttachment
	State decrypt.State
	// Pending is true while the body is still being decrypted.
	Pending  bool
	Failed   bool
	Deleted  bool
	Edited   bool
	EditTime *int64
}

// Session is one open conversation.
type Session struct {
	options Options
	log     zerolog.Logger

	transcript *transcript.Store
	pipeline   *decrypt.Pipeline
	contents   *content.Cache
	urls       *attachments.Cache
	identities *identity.Cache
	pager      *pagination.Controller

	closed atomic.Bool
}

// New builds a session and its stores.
func New(options Options) (*Session, error) {
	if options.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	log := options.Logger.With().Str("conversation_id", options.ConversationID).Logger()
	s := &Session{
		options:    options,
		log:        log,
		transcript: transcript.New(options.CurrentUser, log),
		contents:   content.NewCache(),
		identities: identity.New(log),
	}

	s.pipeline = decrypt.New(decrypt.Options{
		Provider:     options.Provider,
		PollInterval: options.PollInterval,
		MaxAttempts:  options.MaxAttempts,
		Timeout:      options.DecryptTimeout,
		OnChange:     s.onDecrypted,
		Logger:       log,
	})

	s.urls = attachments.New(attachments.Options{
		Resolver:       options.Resolver,
		TTL:            options.URLTTL,
		Debounce:       options.RefreshDebounce,
		SweepInterval:  options.SweepInterval,
		RequestTimeout: options.ResolverTimeout,
		Now:            options.Now,
		Referenced:     s.referenced,
		OnRefreshed:    s.onRefreshed,
		Logger:         log,
	})

	if options.Loader != nil {
		pager, err := pagination.New(pagination.Options{
			ConversationID: options.ConversationID,
			PageSize:       options.PageSize,
			Threshold:      options.ScrollThreshold,
			MaxRefetch:     options.MaxRefetch,
			Loader:         options.Loader,
			Merger:         gatedMerger{s},
			Viewport:       options.Viewport,
			OnMerged:       s.notify,
			Now:            options.Now,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		s.pager = pager
	}

	return s, nil
}

// ApplySnapshot reconciles a pushed snapshot into the transcript. skipped
// names elements of the snapshot that could not be decoded; their local copies
// are kept as they are.
func (s *Session) ApplySnapshot(messages []models.Message, skipped ...string) transcript.Result {
	if s.closed.Load() {
		return transcript.Result{}
	}

	result := s.transcript.Reconcile(messages, skipped...)
	if !result.Changed() {
		return result
	}

	stale := make([]string, 0, len(result.ContentChanged)+len(result.Removed))
	stale = append(stale, result.ContentChanged...)
	stale = append(stale, result.Removed...)
	s.pipeline.Reset(stale...)

	changed := make([]string, 0, len(stale)+len(result.Updated)+len(result.Added))
	changed = append(changed, stale...)
	changed = append(changed, result.Updated...)
	s.contents.Invalidate(changed...)

	changed = append(changed, result.Added...)
	s.log.Debug().
		Int("added", len(result.Added)).
		Int("updated", len(result.Updated)+len(result.ContentChanged)).
		Int("removed", len(result.Removed)).
		Msg("snapshot reconciled")
	s.notify(changed)
	return result
}

// ApplyRename propagates a rename to the identity cache and the transcript.
// It returns the IDs of messages whose sender changed.
func (s *Session) ApplyRename(event models.RenameEvent) []string {
	if s.closed.Load() {
		return nil
	}
	if !s.identities.ApplyRename(event) {
		return nil
	}

	touched := s.transcript.ApplyRename(event.OldNickName, event.NewUserName, event.Image)
	s.contents.Invalidate(touched...)
	s.log.Debug().
		Str("old_nick", event.OldNickName).
		Str("new_nick", event.NewUserName).
		Int("messages", len(touched)).
		Msg("rename applied")
	s.notify(touched)
	return touched
}

// SetRoster replaces the member roster used for avatar lookups.
func (s *Session) SetRoster(roster []models.Identity) {
	s.identities.SetRoster(roster)
}

// Roster returns the current member roster.
func (s *Session) Roster() []models.Identity {
	return s.identities.Roster()
}

// Items returns the transcript with decryption decoration filled in.
func (s *Session) Items() []models.Item {
	items := s.transcript.Items()
	for i := range items {
		record := s.pipeline.View(items[i].Message.ID, items[i].Message.Content)
		items[i].Decoration.Decrypting = record.State == decrypt.StateDecrypting
		items[i].Decoration.Decrypted = record.State == decrypt.StateDecrypted
		items[i].Decoration.DecryptionFailed = record.State == decrypt.StateFailed
	}
	return items
}

// Render returns the display form of message id, starting a decrypt if its
// body is still encrypted. It never blocks on the decryptor.
func (s *Session) Render(id string) (Rendered, bool) {
	item, ok := s.transcript.Get(id)
	if !ok {
		return Rendered{}, false
	}

	message := item.Message
	rendered := Rendered{
		ID:       id,
		Deleted:  message.IsDeleted,
		Edited:   message.IsEdited,
		EditTime: message.EditTime,
	}
	if message.IsDeleted {
		rendered.Text = DeletedPlaceholder
		return rendered, true
	}

	var record decrypt.Record
	if s.closed.Load() {
		record = s.pipeline.View(id, message.Content)
	} else {
		record = s.pipeline.Ensure(id, message.Content)
	}
	rendered.State = record.State
	switch record.State {
	case decrypt.StateEncrypted, decrypt.StateDecrypting:
		rendered.Pending = true
		rendered.Text = decrypt.DecryptingMarker
		return rendered, true
	case decrypt.StateFailed:
		rendered.Failed = true
		rendered.Text = record.Content
		return rendered, true
	}

	if entry, ok := s.contents.Get(id, item.Decoration.Version); ok {
		rendered.Text = entry.Text
		rendered.Files = entry.Files
		return rendered, true
	}

	body := bodyOf(record.Content)
	rendered.Text = body.Text
	for _, ref := range body.Files {
		rendered.Files = append(rendered.Files, s.urls.Resolve(ref, id))
	}
	s.contents.Put(id, item.Decoration.Version, rendered.Text, rendered.Files)
	return rendered, true
}

// Avatar returns the sender image for message id.
func (s *Session) Avatar(id string) (string, bool) {
	item, ok := s.transcript.Get(id)
	if !ok {
		return "", false
	}
	if item.Decoration.SenderImage != "" {
		return item.Decoration.SenderImage, true
	}
	return s.identities.Lookup(item.Message.Sender, item.Decoration.OldSender)
}

// SenderLabels reports, per item in Items order, whether to show the sender name.
func (s *Session) SenderLabels() []bool {
	return transcript.SenderLabels(s.transcript.Items())
}

// OnScroll forwards a scroll position to the pagination controller.
func (s *Session) OnScroll(ctx context.Context, distanceFromTop float64) (bool, error) {
	if s.pager == nil || s.closed.Load() {
		return false, nil
	}
	return s.pager.OnScroll(ctx, distanceFromTop)
}

// LoadOlder loads one page of older history.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.pager == nil {
		return 0, ErrNoHistory
	}
	return s.pager.LoadOlder(ctx)
}

// HistoryExhausted reports whether the start of history has been reached.
func (s *Session) HistoryExhausted() bool {
	return s.pager != nil && s.pager.Exhausted()
}

// DecryptStats returns the pipeline counters.
func (s *Session) DecryptStats() decrypt.Stats {
	return s.pipeline.Stats()
}

// Run drives background work until ctx is done, then closes the session.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.urls.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})
	return g.Wait()
}

// Close tears the session down. Work still in flight completes but its
// results are dropped.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.pipeline.Close()
	s.urls.Close()
	s.contents.Clear()
	s.log.Debug().Msg("session closed")
}

func (s *Session) onDecrypted(id string, record decrypt.Record) {
	if s.closed.Load() {
		return
	}
	s.transcript.Touch(id)
	s.contents.Invalidate(id)

	if record.State == decrypt.StateDecrypted {
		for _, ref := range bodyOf(record.Content).Files {
			s.urls.Enqueue(ref, id)
		}
	}
	s.notify([]string{id})
}

func (s *Session) onRefreshed(ids []string) {
	if s.closed.Load() {
		return
	}
	s.transcript.Touch(ids...)
	s.contents.Invalidate(ids...)
	s.notify(ids)
}

func (s *Session) referenced() []attachments.Ref {
	var refs []attachments.Ref
	for _, item := range s.transcript.Items() {
		if item.Message.IsDeleted {
			continue
		}
		record := s.pipeline.View(item.Message.ID, item.Message.Content)
		if record.State != decrypt.StatePlain && record.State != decrypt.StateDecrypted {
			continue
		}
		for _, ref := range bodyOf(record.Content).Files {
			refs = append(refs, attachments.Ref{File: ref, MessageID: item.Message.ID})
		}
	}
	return refs
}

func (s *Session) notify(ids []string) {
	if len(ids) == 0 || s.options.OnInvalidate == nil || s.closed.Load() {
		return
	}
	s.options.OnInvalidate(ids)
}

// bodyOf parses a plaintext body. Anything that is not a text/files object is
// shown verbatim.
func bodyOf(text string) models.Body {
	classified := content.Classify(text)
	if classified.Kind == content.KindPlain {
		return classified.Body
	}
	return models.Body{Text: text}
}

type gatedMerger struct {
	s *Session
}

func (m gatedMerger) MergePage(page []models.Message) transcript.PageResult {
	if m.s.closed.Load() {
		return transcript.PageResult{}
	}
	return m.s.transcript.MergePage(page)
}

func (m gatedMerger) Oldest() (models.Message, bool) {
	return m.s.transcript.Oldest()
}
