package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatsync/attachments"
	"chatsync/decrypt"
	"chatsync/models"
	"chatsync/pagination"
)

const envelopeJSON = `{"ciphertext":"x","ephemeralKey":"k","nonce":"n","messageNumber":1}`

type invalidations struct {
	mu  sync.Mutex
	ids map[string]int
}

func (i *invalidations) record(ids []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ids == nil {
		i.ids = make(map[string]int)
	}
	for _, id := range ids {
		i.ids[id]++
	}
}

func (i *invalidations) count(id string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ids[id]
}

func newTestSession(t *testing.T, mutate func(*Options)) *Session {
	t.Helper()
	options := Options{
		ConversationID:  "c1",
		CurrentUser:     "me",
		PollInterval:    5 * time.Millisecond,
		MaxAttempts:     4,
		RefreshDebounce: 10 * time.Millisecond,
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&options)
	}
	s, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitRendered(t *testing.T, s *Session, id string, done func(Rendered) bool) Rendered {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rendered, ok := s.Render(id)
		if ok && done(rendered) {
			return rendered
		}
		if time.Now().After(deadline) {
			t.Fatalf("message %s did not reach the expected state, last %+v", id, rendered)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresConversationID(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without conversation id")
	}
}

func TestRenderDecryptLifecycle(t *testing.T) {
	var calls atomic.Int32
	decryptor := decrypt.DecryptorFunc(func(ctx context.Context, envelope models.Envelope) (string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return `{"text":"hello"}`, nil
	})
	seen := &invalidations{}
	s := newTestSession(t, func(o *Options) {
		o.Provider = decrypt.Static{D: decryptor}
		o.OnInvalidate = seen.record
	})

	s.ApplySnapshot([]models.Message{{ID: "2", Sender: "Bob", Content: envelopeJSON, SendTime: 1}})

	first, ok := s.Render("2")
	if !ok {
		t.Fatalf("expected message 2 to render")
	}
	if first.Text != decrypt.DecryptingMarker || !first.Pending {
		t.Fatalf("expected decrypting marker, got %+v", first)
	}
	if items := s.Items(); !items[0].Decoration.Decrypting {
		t.Fatalf("expected decrypting decoration, got %+v", items[0].Decoration)
	}

	final := waitRendered(t, s, "2", func(r Rendered) bool { return !r.Pending })
	if final.Text != "hello" || final.State != decrypt.StateDecrypted {
		t.Fatalf("expected decrypted text, got %+v", final)
	}
	if seen.count("2") < 2 {
		t.Fatalf("expected an invalidation after decrypt, got %d", seen.count("2"))
	}

	for i := 0; i < 5; i++ {
		if again, _ := s.Render("2"); again.Text != "hello" {
			t.Fatalf("unexpected re-render %+v", again)
		}
	}
	s.ApplySnapshot([]models.Message{{ID: "2", Sender: "Bob", Content: envelopeJSON, SendTime: 1}})
	if again, _ := s.Render("2"); again.Text != "hello" {
		t.Fatalf("expected identical snapshot to keep decrypted body, got %+v", again)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one decryptor call, got %d", got)
	}

	item := s.Items()[0]
	if !item.Decoration.Decrypted || item.Decoration.Decrypting || item.Decoration.DecryptionFailed {
		t.Fatalf("unexpected decoration %+v", item.Decoration)
	}
}

func TestContentChangeForcesNewDecrypt(t *testing.T) {
	var calls atomic.Int32
	decryptor := decrypt.DecryptorFunc(func(ctx context.Context, envelope models.Envelope) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return `{"text":"first"}`, nil
		}
		return `{"text":"second"}`, nil
	})
	s := newTestSession(t, func(o *Options) { o.Provider = decrypt.Static{D: decryptor} })

	s.ApplySnapshot([]models.Message{{ID: "1", Content: envelopeJSON, SendTime: 1}})
	waitRendered(t, s, "1", func(r Rendered) bool { return r.Text == "first" })

	changed := `{"ciphertext":"y","ephemeralKey":"k","nonce":"n","messageNumber":2}`
	result := s.ApplySnapshot([]models.Message{{ID: "1", Content: changed, SendTime: 1}})
	if !reflect.DeepEqual(result.ContentChanged, []string{"1"}) {
		t.Fatalf("expected content change, got %+v", result)
	}
	waitRendered(t, s, "1", func(r Rendered) bool { return r.Text == "second" })
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected two decryptor calls, got %d", got)
	}
}

func TestRenderFailureAndUnavailableMarkers(t *testing.T) {
	failing := decrypt.DecryptorFunc(func(ctx context.Context, envelope models.Envelope) (string, error) {
		return "", errors.New("bad key")
	})
	s := newTestSession(t, func(o *Options) { o.Provider = decrypt.Static{D: failing} })
	s.ApplySnapshot([]models.Message{{ID: "1", Content: envelopeJSON, SendTime: 1}})

	rendered := waitRendered(t, s, "1", func(r Rendered) bool { return r.Failed })
	if rendered.Text != "[Decryption failed: bad key]" {
		t.Fatalf("unexpected failure text %q", rendered.Text)
	}

	missing := newTestSession(t, nil)
	missing.ApplySnapshot([]models.Message{{ID: "1", Content: envelopeJSON, SendTime: 1}})
	rendered = waitRendered(t, missing, "1", func(r Rendered) bool { return r.Failed })
	if rendered.Text != decrypt.UnavailableMarker {
		t.Fatalf("expected unavailable marker, got %q", rendered.Text)
	}
	if stats := missing.DecryptStats(); stats.Unavailable != 1 || stats.Failed != 0 {
		t.Fatalf("expected unavailable to be counted separately, got %+v", stats)
	}
}

func TestRenderPlainLegacyAndTombstone(t *testing.T) {
	editTime := int64(5)
	s := newTestSession(t, nil)
	s.ApplySnapshot([]models.Message{
		{ID: "plain", Sender: "Bob", Content: `{"text":"hi"}`, SendTime: 1, IsEdited: true, EditTime: &editTime},
		{ID: "legacy", Sender: "Bob", Content: `not json {`, SendTime: 2},
		{ID: "gone", Sender: "me", Content: `{"text":"bye"}`, SendTime: 3, IsDeleted: true},
	})

	plain, _ := s.Render("plain")
	if plain.Text != "hi" || !plain.Edited || plain.EditTime == nil || *plain.EditTime != 5 {
		t.Fatalf("unexpected plain render %+v", plain)
	}
	legacy, _ := s.Render("legacy")
	if legacy.Text != "not json {" || legacy.State != decrypt.StatePlain {
		t.Fatalf("unexpected legacy render %+v", legacy)
	}
	gone, _ := s.Render("gone")
	if !gone.Deleted || gone.Text != DeletedPlaceholder {
		t.Fatalf("unexpected tombstone render %+v", gone)
	}
	if _, ok := s.Render("missing"); ok {
		t.Fatalf("expected unknown id to report false")
	}
}

func TestRenderRefreshesExpiredAttachment(t *testing.T) {
	var batches atomic.Int32
	resolver := attachments.ResolverFunc(func(ctx context.Context, keys []string) ([]models.ResolvedURL, error) {
		batches.Add(1)
		out := make([]models.ResolvedURL, 0, len(keys))
		for _, key := range keys {
			out = append(out, models.ResolvedURL{UniqueFileName: key, URL: "https://cdn/fresh/" + key})
		}
		return out, nil
	})
	seen := &invalidations{}
	s := newTestSession(t, func(o *Options) {
		o.Resolver = resolver
		o.OnInvalidate = seen.record
	})

	content := `{"text":"pic","files":[{"fileName":"a.png","uniqueFileName":"u-a.png","url":"https://cdn/old"}]}`
	s.ApplySnapshot([]models.Message{{ID: "m", Sender: "Bob", Content: content, SendTime: 1}})

	first, _ := s.Render("m")
	if len(first.Files) != 1 || !first.Files[0].NeedsLoading || first.Files[0].URL != "https://cdn/old" {
		t.Fatalf("expected stale url with loading flag, got %+v", first.Files)
	}
	if first.Files[0].Type != "image" {
		t.Fatalf("expected image type, got %q", first.Files[0].Type)
	}

	fresh := waitRendered(t, s, "m", func(r Rendered) bool {
		return len(r.Files) == 1 && !r.Files[0].NeedsLoading
	})
	if fresh.Files[0].URL != "https://cdn/fresh/u-a.png" {
		t.Fatalf("unexpected refreshed url %q", fresh.Files[0].URL)
	}
	if got := batches.Load(); got != 1 {
		t.Fatalf("expected one batch call, got %d", got)
	}
	if seen.count("m") < 2 {
		t.Fatalf("expected invalidation after refresh")
	}
}

func TestApplyRenamePropagates(t *testing.T) {
	s := newTestSession(t, nil)
	s.SetRoster([]models.Identity{{NickName: "Alice"}})
	s.ApplySnapshot([]models.Message{{ID: "1", Sender: "Alice", Content: `{"text":"x"}`, SendTime: 1}})

	touched := s.ApplyRename(models.RenameEvent{NewUserName: "Alicia", OldNickName: "Alice", Image: "a2.png", UpdatedAt: 1})
	if !reflect.DeepEqual(touched, []string{"1"}) {
		t.Fatalf("expected message 1 touched, got %v", touched)
	}
	if roster := s.Roster(); !reflect.DeepEqual(roster, []models.Identity{{NickName: "Alicia", Image: "a2.png"}}) {
		t.Fatalf("unexpected roster %+v", roster)
	}
	item := s.Items()[0]
	if item.Message.Sender != "Alicia" || item.Decoration.OldSender != "Alice" {
		t.Fatalf("unexpected item %+v", item)
	}
	if avatar, ok := s.Avatar("1"); !ok || avatar != "a2.png" {
		t.Fatalf("expected a2.png avatar, got %q ok=%v", avatar, ok)
	}

	if touched := s.ApplyRename(models.RenameEvent{NewUserName: "Alicia", OldNickName: "Ally", UpdatedAt: 0}); touched != nil {
		t.Fatalf("expected no messages for unknown old name, got %v", touched)
	}
}

func TestSenderLabelsFollowItems(t *testing.T) {
	s := newTestSession(t, nil)
	senders := []string{"Alice", "Alice", "Bob", "Bob", "Alice"}
	var messages []models.Message
	for i, sender := range senders {
		messages = append(messages, models.Message{ID: string(rune('a' + i)), Sender: sender, Content: "x", SendTime: int64(i)})
	}
	s.ApplySnapshot(messages)

	if got := s.SenderLabels(); !reflect.DeepEqual(got, []bool{true, false, true, false, true}) {
		t.Fatalf("unexpected labels %v", got)
	}
}

func TestLoadOlderMergesHistory(t *testing.T) {
	seen := &invalidations{}
	loader := pagination.LoaderFunc(func(ctx context.Context, conversationID string, pageSize, offset int) ([]models.Message, error) {
		if conversationID != "c1" {
			return nil, errors.New("wrong conversation")
		}
		return []models.Message{{ID: "old", Sender: "Bob", Content: "x", SendTime: 1}}, nil
	})
	s := newTestSession(t, func(o *Options) {
		o.Loader = loader
		o.PageSize = 10
		o.OnInvalidate = seen.record
	})
	s.ApplySnapshot([]models.Message{{ID: "new", Sender: "Bob", Content: "y", SendTime: 10}})

	added, err := s.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if added != 1 || seen.count("old") != 1 {
		t.Fatalf("expected one merged message, added=%d", added)
	}
	if !s.HistoryExhausted() {
		t.Fatalf("expected short page to exhaust history")
	}

	s.ApplySnapshot([]models.Message{{ID: "new", Sender: "Bob", Content: "y", SendTime: 10}})
	if items := s.Items(); len(items) != 2 || items[0].Message.ID != "old" {
		t.Fatalf("expected history to survive snapshot, got %+v", items)
	}
}

func TestLoadOlderWithoutLoader(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.LoadOlder(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	if attempted, err := s.OnScroll(context.Background(), 0); attempted || err != nil {
		t.Fatalf("expected scroll to be ignored, attempted=%v err=%v", attempted, err)
	}
}

func TestClosedSessionIgnoresLateWork(t *testing.T) {
	release := make(chan struct{})
	decryptor := decrypt.DecryptorFunc(func(ctx context.Context, envelope models.Envelope) (string, error) {
		<-release
		return `{"text":"late"}`, nil
	})
	seen := &invalidations{}
	s := newTestSession(t, func(o *Options) {
		o.Provider = decrypt.Static{D: decryptor}
		o.OnInvalidate = seen.record
	})
	s.ApplySnapshot([]models.Message{{ID: "1", Content: envelopeJSON, SendTime: 1}})
	s.Render("1")

	s.Close()
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for s.pipeline.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := seen.count("1"); n != 1 {
		t.Fatalf("expected only the snapshot invalidation, got %d", n)
	}
	if rendered, _ := s.Render("1"); rendered.Text != decrypt.DecryptingMarker {
		t.Fatalf("expected dropped decrypt result, got %+v", rendered)
	}
	if result := s.ApplySnapshot([]models.Message{{ID: "2", SendTime: 2}}); result.Changed() {
		t.Fatalf("expected closed session to ignore snapshots")
	}
	if _, err := s.LoadOlder(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRunClosesOnCancel(t *testing.T) {
	s := newTestSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
	if !s.closed.Load() {
		t.Fatalf("expected session closed after Run returns")
	}
}
