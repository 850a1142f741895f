package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChatProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req chatAPIReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Errorf("unary call must not request streaming")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
		})
	}))
	defer srv.Close()

	p := NewChatProvider("test", srv.URL, "test-key", "test-model")
	reply, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestChatProvider_ChatRequiresCredentials(t *testing.T) {
	p := NewChatProvider("test", "http://example.invalid", "", "test-model")
	if _, err := p.Chat(context.Background(), nil); err == nil {
		t.Fatalf("expected an error without an api key")
	}

	p = NewChatProvider("test", "http://example.invalid", "key", " ")
	if _, err := p.Chat(context.Background(), nil); err == nil {
		t.Fatalf("expected an error without a model")
	}
}

func TestChatProvider_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatAPIReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("streaming call must request streaming")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frag := range []string{"str", "eam", "ed"} {
			b, _ := json.Marshal(map[string]string{"content": frag})
			w.Write([]byte("data: "))
			w.Write(b)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	p := NewChatProvider("test", srv.URL, "test-key", "test-model")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "go"}})

	var got []string
	for frag := range chunks {
		got = append(got, frag)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, "") != "streamed" {
		t.Fatalf("unexpected fragments %v", got)
	}
}

func TestChatProvider_StreamChatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewChatProvider("test", srv.URL, "test-key", "test-model")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "go"}})

	for range chunks {
		t.Fatalf("no fragments expected on upstream error")
	}
	err := <-errs
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !strings.Contains(err.Error(), "invalid model") {
		t.Fatalf("error should carry the upstream body, got %v", err)
	}
}

func TestChatProvider_StreamChatCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"content\":\"first\"}\n\n"))
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewChatProvider("test", srv.URL, "test-key", "test-model")
	chunks, errs := p.StreamChat(ctx, []Message{{Role: "user", Content: "go"}})

	if frag := <-chunks; frag != "first" {
		t.Fatalf("expected the first fragment, got %q", frag)
	}
	cancel()

	for range chunks {
	}
	if err := <-errs; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
