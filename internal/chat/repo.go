package chat

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/arkchat/arkchat/internal/common"
)

var (
	// ErrInvalidMessage rejects an empty content or an unknown role before
	// it reaches the database.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrForbidden marks access to a session owned by another user.
	ErrForbidden = errors.New("chat: forbidden")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// CreateSession assigns the session a ULID and persists it.
func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return err
		}
		s.ID = id
	}
	if s.Title == "" {
		s.Title = DefaultTitle
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrForbidden
	}
	return &s, nil
}

// ListSessions returns the user's sessions, most recently touched first.
func (r *Repo) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	var sessions []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes a session and all of its messages in one transaction.
func (r *Repo) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := r.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Session{}, "id = ?", sessionID).Error
	})
}

func (r *Repo) UpdateSessionTitle(ctx context.Context, userID uint64, sessionID, title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrInvalidMessage
	}
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND user_id = ?", sessionID, userID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// InsertMessage persists one turn. The session must exist and belong to the
// user; content and role are validated here, identity and timestamps are
// assigned by the database.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	if strings.TrimSpace(m.Content) == "" || !ValidRole(m.Role) {
		return ErrInvalidMessage
	}
	if _, err := r.GetSession(ctx, m.UserID, m.SessionID); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	// Touch the session so the recency ordering follows activity.
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", m.SessionID).
		Update("updated_at", m.CreatedAt).Error
}

// ListMessages returns the full history in insertion order (oldest first).
func (r *Repo) ListMessages(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	if _, err := r.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessagesPage returns messages in DESC id order (newest -> oldest) for
// cursor pagination.
func (r *Repo) ListMessagesPage(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := r.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order
// for building provider context.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, userID uint64, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) InsertUserMessageOrGetExisting(ctx context.Context, userID uint64, sessionID string, content string, key *string) (*Message, bool, error) {
	m := &Message{
		SessionID:      sessionID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
		IdempotencyKey: key,
	}
	if key == nil || *key == "" {
		m.IdempotencyKey = nil
		if err := r.InsertMessage(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	err := r.InsertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}

	var existing Message
	getErr := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND idempotency_key = ?", userID, sessionID, *key).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
