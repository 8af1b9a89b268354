package channels

import (
	"strings"
	"unicode"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// SplitContent breaks text into pieces of at most maxRunes runes, preferring
// paragraph breaks, then line breaks, then sentence ends, then spaces.
func SplitContent(text string, maxRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxRunes <= 0 {
		return []string{text}
	}

	var parts []string
	remaining := []rune(text)
	for len(remaining) > maxRunes {
		cut := breakPoint(remaining[:maxRunes])
		part := strings.TrimRightFunc(string(remaining[:cut]), unicode.IsSpace)
		if part != "" {
			parts = append(parts, part)
		}
		remaining = []rune(strings.TrimLeftFunc(string(remaining[cut:]), unicode.IsSpace))
	}
	if len(remaining) > 0 {
		parts = append(parts, string(remaining))
	}
	return parts
}

// SplitForPlatform splits text to the platform's message length limit.
func SplitForPlatform(platform models.Platform, text string) []string {
	meta, _ := MetaFor(platform)
	return SplitContent(text, meta.MaxMessageLength)
}

// breakPoint returns the index to cut window at; the result is always > 0.
func breakPoint(window []rune) int {
	s := string(window)
	// Indexes below are byte offsets into s; convert back to runes.
	toRunes := func(byteIdx int) int { return len([]rune(s[:byteIdx])) }

	if idx := strings.LastIndex(s, "\n\n"); idx > 0 {
		return toRunes(idx) + 1
	}
	if idx := strings.LastIndex(s, "\n"); idx > 0 {
		return toRunes(idx) + 1
	}
	best := -1
	for _, end := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(s, end); idx > best {
			best = idx
		}
	}
	if best > 0 {
		return toRunes(best) + 1
	}
	if idx := strings.LastIndexFunc(s, unicode.IsSpace); idx > 0 {
		return toRunes(idx)
	}
	return len(window)
}
