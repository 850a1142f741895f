package chat

import (
	"context"

	"github.com/arkchat/arkchat/internal/ai"
)

// Generator produces assistant turns server-side for the asynchronous job
// path. Unlike the streaming controller it works straight off the database
// history and uses the provider's non-streaming call.
type Generator struct {
	repo   *Repo
	models *ai.Registry
	window int
}

func NewGenerator(repo *Repo, models *ai.Registry, contextWindowSize int) *Generator {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Generator{repo: repo, models: models, window: contextWindowSize}
}

// GenerateAndInsert builds provider context from the session's recent
// history, asks the model for a reply and persists it as the assistant turn.
func (g *Generator) GenerateAndInsert(ctx context.Context, userID uint64, sessionID string) (string, uint64, error) {
	sess, err := g.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	sel, err := ai.ParseModelSelection(sess.Model)
	if err != nil {
		return "", 0, err
	}
	provider, systemPrompt, err := g.models.Resolve(ctx, sel)
	if err != nil {
		return "", 0, err
	}

	recentDesc, err := g.repo.ListRecentMessagesDesc(ctx, userID, sessionID, g.window)
	if err != nil {
		return "", 0, err
	}

	// provider expects ASC, system prompt first
	providerMsgs := make([]ai.Message, 0, len(recentDesc)+1)
	if systemPrompt != "" {
		providerMsgs = append(providerMsgs, ai.Message{Role: RoleSystem, Content: systemPrompt})
	}
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := provider.Chat(ctx, providerMsgs)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   reply,
	}
	if err := g.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", 0, err
	}
	return reply, assistantMsg.ID, nil
}
