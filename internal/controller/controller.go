// Package controller owns the in-memory state of one user's chat UI: the
// session list, the active session's message sequence and the generation
// lifecycle. It reconciles that optimistic state with the durable stores and
// relays streamed deltas, and it is the only place with concurrency concerns;
// the collaborators behind its interfaces are stateless request/response
// clients.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/arkchat/arkchat/internal/ai"
	"github.com/arkchat/arkchat/internal/chat"
)

// Fixed user-visible placeholder contents.
const (
	BusyMessage    = "The server is busy. Please try again later."
	FailureMessage = "Something went wrong. Please try again."
)

const titleMaxRunes = 10

// Directory is the chat directory collaborator (session create/list/delete).
type Directory interface {
	CreateSession(ctx context.Context, title string, model ai.ModelSelection) (*chat.Session, error)
	ListSessions(ctx context.Context) ([]chat.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	UpdateTitle(ctx context.Context, sessionID, title string) error
}

// MessageStore is the durable message collaborator. It is the authority for
// message identity and ordering timestamps.
type MessageStore interface {
	CreateMessage(ctx context.Context, sessionID, role, content string) (*chat.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// Update is one observer notification: a snapshot of the active session's
// messages, plus the fragment that caused it when the update came from a
// streamed delta.
type Update struct {
	SessionID string
	Delta     string
	Messages  []chat.Message
}

type Options struct {
	// Model used for newly created sessions.
	Model ai.ModelSelection
	// Timeout bounds one generation; on expiry the placeholder turns into
	// BusyMessage. Zero means a 60s default.
	Timeout time.Duration
	// ContextWindow caps how many history turns are sent to the provider.
	ContextWindow int
	// OnUpdate, when set, receives a snapshot after every state change.
	OnUpdate func(Update)
}

type Controller struct {
	directory Directory
	store     MessageStore
	models    *ai.Registry

	timeout  time.Duration
	window   int
	onUpdate func(Update)

	mu         sync.Mutex
	model      ai.ModelSelection
	chats      []chat.Session
	currentID  string
	messages   []chat.Message
	generating bool
	cancel     context.CancelFunc
	genSeq     uint64
}

func New(directory Directory, store MessageStore, models *ai.Registry, opts Options) *Controller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	window := opts.ContextWindow
	if window <= 0 || window > 100 {
		window = 20
	}
	model := opts.Model
	if model == "" {
		model = ai.ModelDoubao
	}
	return &Controller{
		directory: directory,
		store:     store,
		models:    models,
		timeout:   timeout,
		window:    window,
		onUpdate:  opts.OnUpdate,
		model:     model,
	}
}

// DeriveTitle turns the first user message into a session title: a short
// prefix, with an ellipsis when the message is longer.
func DeriveTitle(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) > titleMaxRunes {
		return string(r[:titleMaxRunes]) + "..."
	}
	return string(r)
}

// LoadChats refreshes the session list from the directory, newest first.
func (c *Controller) LoadChats(ctx context.Context) error {
	sessions, err := c.directory.ListSessions(ctx)
	if err != nil {
		return classify(err, ErrPersistence)
	}
	c.mu.Lock()
	c.chats = sessions
	c.mu.Unlock()
	c.publish()
	return nil
}

// CreateSession creates a session with the currently selected model, puts it
// at the front of the list and makes it current. Nothing is kept locally when
// the directory rejects.
func (c *Controller) CreateSession(ctx context.Context) (*chat.Session, error) {
	c.mu.Lock()
	model := c.model
	c.mu.Unlock()

	sess, err := c.directory.CreateSession(ctx, chat.DefaultTitle, model)
	if err != nil {
		return nil, classify(err, ErrPersistence)
	}

	c.mu.Lock()
	c.chats = append([]chat.Session{*sess}, c.chats...)
	c.currentID = sess.ID
	c.messages = nil
	c.mu.Unlock()
	c.publish()
	return sess, nil
}

// SelectSession makes the session current and loads its history. When the
// load fails the selection rolls back, so the UI never pairs one session's id
// with another session's messages.
func (c *Controller) SelectSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	prev := c.currentID
	c.currentID = sessionID
	c.mu.Unlock()

	msgs, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		c.mu.Lock()
		if c.currentID == sessionID {
			c.currentID = prev
		}
		c.mu.Unlock()
		return classify(err, ErrPersistence)
	}

	c.mu.Lock()
	if c.currentID == sessionID {
		c.messages = msgs
	}
	c.mu.Unlock()
	c.publish()
	return nil
}

// DeleteSession removes the session and, server-side, all of its messages.
// Local state is untouched on failure.
func (c *Controller) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.directory.DeleteSession(ctx, sessionID); err != nil {
		return classify(err, ErrPersistence)
	}

	c.mu.Lock()
	kept := c.chats[:0]
	for _, s := range c.chats {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	c.chats = kept
	if c.currentID == sessionID {
		c.currentID = ""
		c.messages = nil
	}
	c.mu.Unlock()
	c.publish()
	return nil
}

// SetModel switches the model used for new sessions. A different model never
// silently re-contextualizes an existing session, so switching clears the
// current selection and the next send starts a fresh session.
func (c *Controller) SetModel(sel ai.ModelSelection) {
	c.mu.Lock()
	if c.model != sel {
		c.model = sel
		c.currentID = ""
		c.messages = nil
	}
	c.mu.Unlock()
	c.publish()
}

// StopGeneration aborts the in-flight generation, if any. Calling it while
// idle is a no-op.
func (c *Controller) StopGeneration() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendMessage runs the full send state machine and blocks until the
// generation settles (completed, cancelled, failed or timed out).
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	return c.send(ctx, content, nil)
}

// SendMessageStream is the channel-shaped variant used by the SSE handler:
// deltas arrive on the first channel in wire order, at most one error on the
// second, and both are closed once the generation settles.
func (c *Controller) SendMessageStream(ctx context.Context, content string) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		sink := func(frag string) {
			select {
			case chunks <- frag:
			case <-ctx.Done():
			}
		}
		if err := c.send(ctx, content, sink); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (c *Controller) send(ctx context.Context, content string, sink func(string)) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: empty message", ErrValidation)
	}

	// Single flight across the controller: reserve before any IO.
	c.mu.Lock()
	if c.generating {
		c.mu.Unlock()
		return fmt.Errorf("%w: a generation is already in progress", ErrValidation)
	}
	c.generating = true
	c.genSeq++
	token := c.genSeq
	c.mu.Unlock()

	err := c.run(ctx, token, content, sink)

	c.mu.Lock()
	if c.genSeq == token {
		c.generating = false
		c.cancel = nil
	}
	c.mu.Unlock()
	return err
}

func (c *Controller) run(ctx context.Context, token uint64, content string, sink func(string)) error {
	c.mu.Lock()
	sessionID := c.currentID
	c.mu.Unlock()

	if sessionID == "" {
		sess, err := c.CreateSession(ctx)
		if err != nil {
			return err
		}
		sessionID = sess.ID
	}

	// Optimistic user turn.
	c.mu.Lock()
	first := len(c.messages) == 0
	c.messages = append(c.messages, chat.Message{SessionID: sessionID, Role: chat.RoleUser, Content: content})
	idx := len(c.messages) - 1
	c.mu.Unlock()
	c.publish()

	persisted, err := c.store.CreateMessage(ctx, sessionID, chat.RoleUser, content)
	if err != nil {
		// Roll the append back; no partial send stays visible.
		c.mu.Lock()
		if idx < len(c.messages) {
			c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
		}
		c.mu.Unlock()
		c.publish()
		return classify(err, ErrPersistence)
	}
	c.mu.Lock()
	if idx < len(c.messages) {
		c.messages[idx] = *persisted
	}
	c.mu.Unlock()

	if first {
		title := DeriveTitle(content)
		if err := c.directory.UpdateTitle(ctx, sessionID, title); err != nil {
			log.Printf("controller: title update failed session=%s err=%v", sessionID, err)
		} else {
			c.mu.Lock()
			for i := range c.chats {
				if c.chats[i].ID == sessionID {
					c.chats[i].Title = title
				}
			}
			c.mu.Unlock()
		}
	}

	// Placeholder assistant turn: the mutation target for deltas.
	c.mu.Lock()
	c.messages = append(c.messages, chat.Message{SessionID: sessionID, Role: chat.RoleAssistant})
	c.mu.Unlock()
	c.publish()

	provider, systemPrompt, err := c.models.Resolve(ctx, c.modelForSession(sessionID))
	if err != nil {
		c.setPlaceholder(token, sessionID, FailureMessage)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		c.setPlaceholder(token, sessionID, FailureMessage)
		return fmt.Errorf("%w: provider does not support streaming", ErrTransport)
	}

	history := c.providerHistory(systemPrompt)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	chunks, errs := sp.StreamChat(genCtx, history)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var assembled strings.Builder
	timedOut := false
loop:
	for {
		select {
		case <-timer.C:
			// Timer wins the race; late deltas must not apply.
			cancel()
			timedOut = true
			break loop
		case frag, ok := <-chunks:
			if !ok {
				break loop
			}
			if frag == "" {
				continue
			}
			assembled.WriteString(frag)
			c.appendDelta(token, sessionID, frag, sink)
		}
	}

	if timedOut {
		c.setPlaceholder(token, sessionID, BusyMessage)
		return nil
	}

	var streamErr error
	select {
	case streamErr = <-errs:
	default:
	}

	if genCtx.Err() != nil || errors.Is(streamErr, context.Canceled) {
		// User-initiated abort: drop the placeholder, keep the user turn.
		c.removePlaceholder(token, sessionID)
		return nil
	}
	if streamErr != nil {
		c.setPlaceholder(token, sessionID, FailureMessage)
		return fmt.Errorf("%w: %v", ErrTransport, streamErr)
	}

	// Natural completion: freeze the content, persist best-effort.
	final := assembled.String()
	c.setPlaceholder(token, sessionID, final)
	if _, err := c.store.CreateMessage(ctx, sessionID, chat.RoleAssistant, final); err != nil {
		log.Printf("controller: assistant turn persist failed session=%s err=%v", sessionID, err)
	}
	return nil
}

// providerHistory builds the transport request: system prompt first, then the
// last window turns, excluding the trailing placeholder.
func (c *Controller) providerHistory(systemPrompt string) []ai.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.messages
	if n := len(msgs); n > 0 && msgs[n-1].Role == chat.RoleAssistant && msgs[n-1].ID == 0 {
		msgs = msgs[:n-1]
	}
	if len(msgs) > c.window {
		msgs = msgs[len(msgs)-c.window:]
	}

	history := make([]ai.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		history = append(history, ai.Message{Role: chat.RoleSystem, Content: systemPrompt})
	}
	for _, m := range msgs {
		history = append(history, ai.Message{Role: m.Role, Content: m.Content})
	}
	return history
}

// appendDelta grows the placeholder. The token guard keeps a loser of the
// timeout race from mutating state the winner already settled.
func (c *Controller) appendDelta(token uint64, sessionID, frag string, sink func(string)) {
	c.mu.Lock()
	var snapshot []chat.Message
	if c.genSeq == token && c.generating {
		if last := c.placeholderLocked(sessionID); last != nil {
			last.Content += frag
			snapshot = cloneMessages(c.messages)
		}
	}
	c.mu.Unlock()

	if sink != nil {
		sink(frag)
	}
	if snapshot != nil {
		c.notify(Update{SessionID: sessionID, Delta: frag, Messages: snapshot})
	}
}

func (c *Controller) setPlaceholder(token uint64, sessionID, content string) {
	c.mu.Lock()
	if c.genSeq == token {
		if last := c.placeholderLocked(sessionID); last != nil {
			last.Content = content
		}
	}
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) removePlaceholder(token uint64, sessionID string) {
	c.mu.Lock()
	if c.genSeq == token {
		if last := c.placeholderLocked(sessionID); last != nil {
			c.messages = c.messages[:len(c.messages)-1]
		}
	}
	c.mu.Unlock()
	c.publish()
}

// placeholderLocked returns the in-progress assistant turn, which is always
// the last element of the sequence while generation is active. It is nil when
// the user has navigated away from the generating session.
func (c *Controller) placeholderLocked(sessionID string) *chat.Message {
	if c.currentID != sessionID || len(c.messages) == 0 {
		return nil
	}
	last := &c.messages[len(c.messages)-1]
	if last.Role != chat.RoleAssistant || last.ID != 0 {
		return nil
	}
	return last
}

func (c *Controller) modelForSession(sessionID string) ai.ModelSelection {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.chats {
		if c.chats[i].ID == sessionID {
			if sel, err := ai.ParseModelSelection(c.chats[i].Model); err == nil {
				return sel
			}
		}
	}
	return c.model
}

// Chats returns a copy of the session list, newest first.
func (c *Controller) Chats() []chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Session(nil), c.chats...)
}

// Messages returns a copy of the active session's message sequence.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.messages)
}

func (c *Controller) CurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID
}

func (c *Controller) IsGenerating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

func (c *Controller) publish() {
	if c.onUpdate == nil {
		return
	}
	c.mu.Lock()
	u := Update{SessionID: c.currentID, Messages: cloneMessages(c.messages)}
	c.mu.Unlock()
	c.onUpdate(u)
}

func (c *Controller) notify(u Update) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}

func cloneMessages(msgs []chat.Message) []chat.Message {
	return append([]chat.Message(nil), msgs...)
}
