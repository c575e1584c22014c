package telegram

import (
	"fmt"
	"strings"
)

// MessageLimit is Telegram's hard cap on message length.
const MessageLimit = 4096

// chunkPrefixReserve leaves room for a multipart prefix like "[2/7]\n".
const chunkPrefixReserve = 16

// NormalizeCommand extracts the command token from a message, dropping
// any @botname suffix. Returns "" when the text is not a command.
func NormalizeCommand(text string) string {
	stripped := strings.TrimSpace(text)
	if !strings.HasPrefix(stripped, "/") {
		return ""
	}
	head := stripped
	if idx := strings.IndexAny(head, " \t\n"); idx >= 0 {
		head = head[:idx]
	}
	if idx := strings.Index(head, "@"); idx >= 0 {
		head = head[:idx]
	}
	return head
}

// TrimOutput caps text at limit, replacing the cut content with a
// truncation notice.
func TrimOutput(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	const marker = "\n\n[output truncated]"
	keep := limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	return text[:keep] + marker
}

// splitForLimit slices text into pieces of at most limit bytes, breaking
// at the last newline before the limit when one exists.
func splitForLimit(text string, limit int) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		splitAt := strings.LastIndex(remaining[:limit], "\n")
		if splitAt <= 0 {
			splitAt = limit
		}
		chunks = append(chunks, remaining[:splitAt])
		remaining = strings.TrimLeft(remaining[splitAt:], "\n")
	}
	return chunks
}

// Chunks splits a reply into Telegram-deliverable messages. Multipart
// replies get an [i/n] prefix on every chunk.
func Chunks(text string) []string {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return []string{""}
	}

	base := splitForLimit(stripped, MessageLimit-chunkPrefixReserve)
	if len(base) == 1 {
		return base
	}

	out := make([]string, 0, len(base))
	for i, chunk := range base {
		out = append(out, fmt.Sprintf("[%d/%d]\n%s", i+1, len(base), chunk))
	}
	return out
}

// compactProgressText flattens text to one line for progress displays,
// dropping markdown noise and capping the length.
func compactProgressText(text string, maxChars int) string {
	cleaned := strings.Join(strings.Fields(strings.ReplaceAll(text, "\n", " ")), " ")
	cleaned = strings.ReplaceAll(cleaned, "**", "")
	cleaned = strings.ReplaceAll(cleaned, "`", "")
	if len(cleaned) <= maxChars {
		return cleaned
	}
	return strings.TrimRight(cleaned[:maxChars-3], " ") + "..."
}
