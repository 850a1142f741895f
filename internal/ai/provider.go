package ai

import "context"

// Message is one turn of provider input, oldest first.
type Message struct {
	Role    string
	Content string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
