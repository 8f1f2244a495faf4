package history

import (
	"context"

	"gorm.io/gorm"

	"github.com/voiceloop/voiceloop/internal/conversation"
	"github.com/voiceloop/voiceloop/internal/shared"
)

// Store appends completed conversation turns to the transcript table. It is
// a fire-and-forget sink for the controller plus a read side for the control
// surface.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Message{})
}

// AppendTurn writes the user and assistant messages of one completed turn.
// Sides with no content are skipped.
func (s *Store) AppendTurn(ctx context.Context, rec conversation.TurnRecord) error {
	var msgs []Message
	if rec.UserText != "" {
		msgs = append(msgs, Message{
			ID:        shared.NewID("msg_"),
			SessionID: rec.SessionID,
			TurnID:    rec.TurnID,
			Role:      RoleUser,
			Content:   rec.UserText,
			StartedAt: rec.Started,
			EndedAt:   rec.Ended,
		})
	}
	if rec.AssistantText != "" {
		msgs = append(msgs, Message{
			ID:        shared.NewID("msg_"),
			SessionID: rec.SessionID,
			TurnID:    rec.TurnID,
			Role:      RoleAssistant,
			Content:   rec.AssistantText,
			StartedAt: rec.Started,
			EndedAt:   rec.Ended,
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&msgs).Error
}

// ListBySession returns a session's transcript oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn_id ASC, created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// Recent returns the newest messages across all sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}
