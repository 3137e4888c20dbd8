// Package extract pulls a single Go source payload out of model output that
// may be conversational or wrapped in markdown fences.
package extract

import (
	"strings"
)

const fence = "```"

// LanguageTags are the fence info strings recognized as the target language.
var LanguageTags = []string{"go", "golang"}

// Extract returns the source payload contained in raw.
//
// Without fences the trimmed input is returned. With a single fence (no
// closing marker) the trimmed input is returned as well. A reply with
// several fenced blocks yields its first non-empty Go block, so a trailing
// shell snippet or the prose between blocks never reaches the compiler.
// Otherwise the trimmed content between the first and last fence is
// returned, minus a leading language tag line. Extract is idempotent: the
// result is reduced until it no longer changes.
func Extract(raw string) string {
	if code, ok := firstGoBlock(raw); ok {
		return code
	}
	out := extractOnce(raw)
	for {
		next := extractOnce(out)
		if next == out {
			return out
		}
		out = next
	}
}

// firstGoBlock picks a block only when raw holds more than one; a single
// block keeps the first-to-last fence contract.
func firstGoBlock(raw string) (string, bool) {
	blocks := Blocks(raw)
	if len(blocks) < 2 {
		return "", false
	}
	for _, b := range blocks {
		if b.IsGo() && b.Code != "" {
			return b.Code, true
		}
	}
	return "", false
}

func extractOnce(raw string) string {
	first := strings.Index(raw, fence)
	if first < 0 {
		return strings.TrimSpace(raw)
	}
	last := strings.LastIndex(raw, fence)
	if last <= first {
		return strings.TrimSpace(raw)
	}

	body := strings.TrimSpace(raw[first+len(fence) : last])
	if nl := strings.IndexByte(body, '\n'); nl > 0 && isLanguageTag(body[:nl]) {
		return strings.TrimSpace(body[nl+1:])
	}
	return body
}

func isLanguageTag(line string) bool {
	line = strings.TrimSpace(line)
	for _, tag := range LanguageTags {
		if strings.EqualFold(line, tag) {
			return true
		}
	}
	return false
}

// Block is one fenced block found in a response.
type Block struct {
	Language string
	Code     string
}

// Blocks lists every complete fenced block in raw, in order. An unterminated
// trailing fence is ignored.
func Blocks(raw string) []Block {
	parts := strings.Split(raw, fence)
	var blocks []Block
	// Odd-indexed parts sit between an opening and a closing fence.
	for i := 1; i+1 < len(parts); i += 2 {
		body := parts[i]
		var lang string
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			info := strings.TrimSpace(body[:nl])
			if info != "" && !strings.ContainsAny(info, " \t") {
				lang = strings.ToLower(info)
				body = body[nl+1:]
			}
		}
		blocks = append(blocks, Block{Language: lang, Code: strings.TrimSpace(body)})
	}
	return blocks
}

// IsGo reports whether the block is tagged with a Go language tag or not
// tagged at all.
func (b Block) IsGo() bool {
	return b.Language == "" || isLanguageTag(b.Language)
}
