package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/provider"
)

const maxLineSize = 1 << 20

// sseTotals accumulates what the closing done event carries.
type sseTotals struct {
	finish string
	usage  *provider.Usage
}

// take records the finish reason and usage of c and returns its text, if
// any. Usage may come on a choice-less chunk when include_usage is set.
func (t *sseTotals) take(c *Chunk) string {
	if c.Usage != nil {
		u := c.Usage.counts()
		t.usage = &u
	}
	if len(c.Choices) == 0 {
		return ""
	}
	first := c.Choices[0]
	if first.FinishReason != nil {
		t.finish = *first.FinishReason
	}
	if first.Delta.Content == nil {
		return ""
	}
	return *first.Delta.Content
}

// ParseSSEStream decodes "data:" lines from body into provider events on
// ch until "[DONE]" or EOF, then sends one done event. A read failure sends
// one error event instead. Malformed chunks are logged and skipped. Nothing
// more is sent once ctx ends, and ch is left open for the caller to close.
func ParseSSEStream(ctx context.Context, body io.Reader, ch chan<- provider.ProviderEvent) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var totals sseTotals
	for sc.Scan() && ctx.Err() == nil {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var c Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			slog.Warn("skipping malformed SSE chunk", "error", err.Error(), "data", debug.Truncate(data, 200))
			continue
		}
		text := totals.take(&c)
		if text == "" {
			continue
		}
		if !send(ctx, ch, provider.ProviderEvent{Type: provider.ProviderEventTextDelta, Delta: text}) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	last := provider.ProviderEvent{Type: provider.ProviderEventDone, FinishReason: totals.finish, Usage: totals.usage}
	if err := sc.Err(); err != nil {
		last = provider.ProviderEvent{Type: provider.ProviderEventError, Err: api.NewServerError("SSE stream read error: " + err.Error())}
	}
	send(ctx, ch, last)
}

func send(ctx context.Context, ch chan<- provider.ProviderEvent, ev provider.ProviderEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
