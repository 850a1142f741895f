package chat

import (
	"context"
	"testing"

	"github.com/arkchat/arkchat/internal/ai"
)

type recordingProvider struct {
	reply string
	last  []ai.Message
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	return p.reply, nil
}

func doubaoRegistry(p ai.Provider, systemPrompt string) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register(ai.ModelDoubao, systemPrompt, func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return p, nil
	})
	return reg
}

func TestGenerateAndInsert_WritesAssistantTurn(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	if err := repo.InsertMessage(context.Background(), &Message{
		SessionID: s.ID, UserID: 1, Role: RoleUser, Content: "Hello",
	}); err != nil {
		t.Fatalf("seed user turn: %v", err)
	}

	prov := &recordingProvider{reply: "ok"}
	gen := NewGenerator(repo, doubaoRegistry(prov, ""), 20)

	reply, assistantID, err := gen.GenerateAndInsert(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "ok" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if assistantID == 0 {
		t.Fatalf("expected assistant message id to be set")
	}

	msgs, err := repo.ListMessages(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "ok" {
		t.Fatalf("unexpected assistant turn: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
}

func TestGenerateAndInsert_UsesContextWindow(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 2)

	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := repo.InsertMessage(context.Background(), &Message{
			SessionID: s.ID, UserID: 2, Role: role, Content: "seed",
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}
	if err := repo.InsertMessage(context.Background(), &Message{
		SessionID: s.ID, UserID: 2, Role: RoleUser, Content: "new",
	}); err != nil {
		t.Fatalf("seed new: %v", err)
	}

	prov := &recordingProvider{reply: "ok"}
	window := 3
	gen := NewGenerator(repo, doubaoRegistry(prov, ""), window)

	if _, _, err := gen.GenerateAndInsert(context.Background(), 2, s.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(prov.last) != window {
		t.Fatalf("expected provider to receive %d messages, got %d", window, len(prov.last))
	}
	last := prov.last[len(prov.last)-1]
	if last.Role != RoleUser || last.Content != "new" {
		t.Fatalf("expected the newest user turn last, got role=%q content=%q", last.Role, last.Content)
	}
}

func TestGenerateAndInsert_SystemPromptLeads(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 3)

	if err := repo.InsertMessage(context.Background(), &Message{
		SessionID: s.ID, UserID: 3, Role: RoleUser, Content: "hi",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	prov := &recordingProvider{reply: "ok"}
	gen := NewGenerator(repo, doubaoRegistry(prov, "be brief"), 20)

	if _, _, err := gen.GenerateAndInsert(context.Background(), 3, s.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(prov.last) != 2 {
		t.Fatalf("expected system prompt + user turn, got %d", len(prov.last))
	}
	if prov.last[0].Role != RoleSystem || prov.last[0].Content != "be brief" {
		t.Fatalf("system prompt must lead, got %+v", prov.last[0])
	}
}
