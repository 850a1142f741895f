package chat

import (
	"context"

	"github.com/arkchat/arkchat/internal/ai"
)

// UserScope narrows the repo to one authenticated user. It is the concrete
// chat directory / message store handed to a session controller, so the
// controller itself never sees user ids.
type UserScope struct {
	repo   *Repo
	userID uint64
}

func NewUserScope(repo *Repo, userID uint64) *UserScope {
	return &UserScope{repo: repo, userID: userID}
}

func (s *UserScope) CreateSession(ctx context.Context, title string, model ai.ModelSelection) (*Session, error) {
	sess := &Session{UserID: s.userID, Title: title, Model: string(model)}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *UserScope) ListSessions(ctx context.Context) ([]Session, error) {
	return s.repo.ListSessions(ctx, s.userID)
}

func (s *UserScope) DeleteSession(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, s.userID, sessionID)
}

func (s *UserScope) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return s.repo.UpdateSessionTitle(ctx, s.userID, sessionID, title)
}

func (s *UserScope) CreateMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	m := &Message{SessionID: sessionID, UserID: s.userID, Role: role, Content: content}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *UserScope) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.repo.ListMessages(ctx, s.userID, sessionID)
}
