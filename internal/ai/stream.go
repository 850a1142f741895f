package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming
// chat; fragments arrive on the first channel in wire order, and at most one
// error is sent on the second before both are closed.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
