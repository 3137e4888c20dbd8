package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/provider"
)

// ParseNDJSONStream reads Ollama chat lines from body and sends the
// translated events on ch. The channel is not closed here.
func ParseNDJSONStream(ctx context.Context, body io.Reader, ch chan<- provider.ProviderEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cr ChatResponse
		if err := json.Unmarshal(line, &cr); err != nil {
			slog.Warn("skipping malformed NDJSON line",
				"error", err.Error(),
				"data", debug.Truncate(string(line), 200),
			)
			continue
		}

		if cr.Error != "" {
			send(ctx, ch, provider.ProviderEvent{Type: provider.ProviderEventError, Err: api.NewModelError(cr.Error)})
			return
		}
		if cr.Message.Content != "" {
			if !send(ctx, ch, provider.ProviderEvent{Type: provider.ProviderEventTextDelta, Delta: cr.Message.Content}) {
				return
			}
		}
		if cr.Done {
			u := usageOf(&cr)
			send(ctx, ch, provider.ProviderEvent{Type: provider.ProviderEventDone, FinishReason: cr.DoneReason, Usage: &u})
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	msg := "stream ended before done"
	if err := scanner.Err(); err != nil {
		msg = "NDJSON stream read error: " + err.Error()
	}
	send(ctx, ch, provider.ProviderEvent{Type: provider.ProviderEventError, Err: api.NewServerError(msg)})
}

func send(ctx context.Context, ch chan<- provider.ProviderEvent, ev provider.ProviderEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
