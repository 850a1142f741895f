package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatProvider speaks the OpenAI-compatible chat-completions protocol. It
// serves the Ark (Doubao) and DeepSeek endpoints, which differ only in base
// URL, credentials and model id.
type ChatProvider struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

type chatAPIMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatAPIReq struct {
	Model    string       `json:"model"`
	Messages []chatAPIMsg `json:"messages"`
	Stream   bool         `json:"stream"`
}

type chatAPIResp struct {
	Choices []struct {
		Message chatAPIMsg `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewChatProvider(name, baseURL, apiKey, model string) *ChatProvider {
	return &ChatProvider{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *ChatProvider) newRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	if p.Client == nil {
		return nil, fmt.Errorf("%s: http client is nil", p.Name)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key is required", p.Name)
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, fmt.Errorf("%s: model is required", p.Name)
	}

	body := chatAPIReq{Model: model, Stream: stream}
	body.Messages = make([]chatAPIMsg, 0, len(messages))
	for _, m := range messages {
		body.Messages = append(body.Messages, chatAPIMsg{Role: m.Role, Content: m.Content})
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	return req, nil
}

func (p *ChatProvider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", p.Name, msg)
}

func (p *ChatProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	req, err := p.newRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", p.statusError(resp)
	}

	var decoded chatAPIResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%s: empty response", p.Name)
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content fragments via SSE.
func (p *ChatProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := p.newRequest(ctx, messages, true)
		if err != nil {
			errs <- err
			return
		}

		if p.Client.Timeout < 30*time.Second {
			p.Client.Timeout = 0 // no global timeout; ctx controls it
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- p.statusError(resp)
			return
		}

		dec := NewStreamDecoder(ctx, resp.Body)
		for {
			frag, err := dec.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- err
				return
			}
			select {
			case chunks <- frag:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return chunks, errs
}
