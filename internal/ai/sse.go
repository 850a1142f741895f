package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ssePayload covers both delta shapes seen on the wire: the simplified
// {"content": "..."} form and the OpenAI-style choices/delta form.
type ssePayload struct {
	Content string `json:"content"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamDecoder turns a raw SSE body into a sequence of content fragments.
// Frames look like "data: <json>\n\n"; the stream ends with "data: [DONE]".
// Partial frames are buffered until complete, a frame whose payload does not
// parse is skipped, and empty fragments are dropped. Fragments come out in
// exact wire order.
type StreamDecoder struct {
	ctx  context.Context
	sc   *bufio.Scanner
	done bool
}

func NewStreamDecoder(ctx context.Context, r io.Reader) *StreamDecoder {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)
	return &StreamDecoder{ctx: ctx, sc: sc}
}

// Next returns the next non-empty fragment. It returns io.EOF once the
// terminal [DONE] frame (or the end of the body) is reached, and the context
// error once the decoder is cancelled, even if more bytes are buffered.
func (d *StreamDecoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}
	for d.sc.Scan() {
		if err := d.ctx.Err(); err != nil {
			d.done = true
			return "", err
		}
		line := strings.TrimSpace(d.sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			d.done = true
			return "", io.EOF
		}

		var payload ssePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			// One bad frame must not kill the stream.
			continue
		}
		if payload.Error != nil && payload.Error.Message != "" {
			d.done = true
			return "", errors.New(payload.Error.Message)
		}

		frag := payload.Content
		if frag == "" && len(payload.Choices) > 0 {
			frag = payload.Choices[0].Delta.Content
		}
		if frag == "" {
			continue
		}
		return frag, nil
	}

	d.done = true
	if err := d.ctx.Err(); err != nil {
		return "", err
	}
	if err := d.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
