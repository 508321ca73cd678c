package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"chatsync/models"
	"chatsync/session"
	"chatsync/storage"
)

// persistingSink writes every push to storage before applying it to the
// session, so history stays loadable offline.
type persistingSink struct {
	store          *storage.Store
	session        *session.Session
	conversationID string
	log            zerolog.Logger
}

func newPersistingSink(store *storage.Store, sess *session.Session, conversationID string, log zerolog.Logger) *persistingSink {
	return &persistingSink{
		store:          store,
		session:        sess,
		conversationID: conversationID,
		log:            log,
	}
}

func (s *persistingSink) HandleSnapshot(ctx context.Context, conversationID string, messages []models.Message, skipped []string) error {
	if conversationID != "" && conversationID != s.conversationID {
		s.log.Debug().Str("conversation_id", conversationID).Msg("ignoring snapshot for another conversation")
		return nil
	}

	_, err := s.store.SaveMessages(ctx, s.conversationID, messages)
	// Display follows the stream even when persistence fails.
	s.session.ApplySnapshot(messages, skipped...)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (s *persistingSink) HandleRename(ctx context.Context, event models.RenameEvent) error {
	s.session.ApplyRename(event)
	if _, err := s.store.RenameIdentity(ctx, event); err != nil {
		return fmt.Errorf("persist rename: %w", err)
	}
	return nil
}
