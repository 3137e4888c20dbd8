package openaicompat

import (
	"context"
	"strings"
	"testing"

	"github.com/rhuss/promptrun/pkg/provider"
)

// collectEvents runs ParseSSEStream and returns all events.
func collectEvents(t *testing.T, sseData string) []provider.ProviderEvent {
	t.Helper()
	ch := make(chan provider.ProviderEvent, 64)
	go func() {
		defer close(ch)
		ParseSSEStream(context.Background(), strings.NewReader(sseData), ch)
	}()

	var events []provider.ProviderEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func deltas(events []provider.ProviderEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == provider.ProviderEventTextDelta {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func TestParseSSEStream_TextDeltas(t *testing.T) {
	sseData := `data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"package"},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":" main"},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"c1","object":"chat.completion.chunk","model":"m","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}

data: [DONE]
`
	events := collectEvents(t, sseData)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Delta != "package" || events[1].Delta != " main" {
		t.Errorf("deltas = %q, %q", events[0].Delta, events[1].Delta)
	}
	done := events[2]
	if done.Type != provider.ProviderEventDone {
		t.Fatalf("last event type = %d, want done", done.Type)
	}
	if done.FinishReason != "stop" {
		t.Errorf("finish reason = %q", done.FinishReason)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 12 || done.Usage.InputTokens != 10 {
		t.Errorf("usage = %+v", done.Usage)
	}
}

func TestParseSSEStream_SkipsMalformedAndComments(t *testing.T) {
	sseData := `: keep-alive

data: not json

event: message
data: {"choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":null}]}

data:[DONE]
`
	events := collectEvents(t, sseData)
	if got := deltas(events); got != "ok" {
		t.Errorf("text = %q, want ok", got)
	}
	if events[len(events)-1].Type != provider.ProviderEventDone {
		t.Error("stream did not end with done")
	}
}

func TestParseSSEStream_NoDoneSentinel(t *testing.T) {
	events := collectEvents(t, `data: {"choices":[{"index":0,"delta":{"content":"x"},"finish_reason":"length"}]}
`)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].Type != provider.ProviderEventDone || events[1].FinishReason != "length" {
		t.Errorf("done = %+v", events[1])
	}
}

func TestParseSSEStream_PreservesOrder(t *testing.T) {
	var b strings.Builder
	want := ""
	for _, tok := range []string{"a", "b", "c", "d", "e", "f"} {
		b.WriteString(`data: {"choices":[{"index":0,"delta":{"content":"` + tok + `"}}]}` + "\n\n")
		want += tok
	}
	b.WriteString("data: [DONE]\n")

	if got := deltas(collectEvents(t, b.String())); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestParseSSEStream_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan provider.ProviderEvent, 8)
	ParseSSEStream(ctx, strings.NewReader(`data: {"choices":[{"index":0,"delta":{"content":"x"}}]}`+"\n"), ch)
	close(ch)

	for ev := range ch {
		if ev.Type == provider.ProviderEventDone || ev.Type == provider.ProviderEventError {
			t.Errorf("unexpected terminal event after cancellation: %+v", ev)
		}
	}
}
