package chorus

import (
	"fmt"
	"math"
	"strings"
)

// Context hysteresis: compaction triggers above HIGH and compresses down to
// LOW, so the context length oscillates in a band instead of compacting on
// every message.

// HighWatermark is the compaction trigger for a target context size.
func HighWatermark(maxMsgs int) int {
	return max(maxMsgs+6, int(math.Ceil(1.5*float64(maxMsgs))))
}

// LowWatermark is the post-compaction target for a context size.
func LowWatermark(maxMsgs int) int {
	return max(maxMsgs*6/10, 6)
}

// compactContext applies hysteresis compaction: below HIGH it is a no-op;
// above, the oldest messages collapse into one deterministic summary message
// and the result is at most LOW+1 long.
func compactContext(msgs []Message, maxMsgs int) []Message {
	high := HighWatermark(maxMsgs)
	low := LowWatermark(maxMsgs)
	if len(msgs) <= high {
		return msgs
	}

	cut := len(msgs) - (low - 1)
	head := msgs[:cut]
	tail := msgs[cut:]

	summary := Message{
		Role:    "system",
		From:    "System",
		Content: summarizeHead(head),
	}
	out := append([]Message{summary}, tail...)
	if len(out) > low+1 {
		out = out[len(out)-(low+1):]
	}
	return out
}

// summarizeHead builds the deterministic compaction summary. No LLM call:
// the format is fixed so tests and replays are stable.
func summarizeHead(head []Message) string {
	var toolsUsed []string
	seenTool := make(map[string]bool)
	var lastCmd string
	var filesWritten []string

	for _, m := range head {
		if m.Role == "tool" && m.ToolName != "" {
			if !seenTool[m.ToolName] {
				seenTool[m.ToolName] = true
				toolsUsed = append(toolsUsed, m.ToolName)
			}
			if m.ToolName == "sh" && m.ToolArgs != "" {
				lastCmd = truncateRunes(m.ToolArgs, 80)
			}
		}
		if m.Role == "system" {
			if path, ok := strings.CutPrefix(m.Content, fileWroteNotePrefix); ok {
				filesWritten = append(filesWritten, path)
			}
		}
	}

	var recent []string
	for i := len(head) - 1; i >= 0 && len(recent) < 4; i-- {
		m := head[i]
		if m.Role == "system" {
			continue
		}
		line := m.From + ": " + strings.ReplaceAll(m.Content, "\n", " ")
		recent = append([]string{truncateRunes(line, 140)}, recent...)
	}

	return fmt.Sprintf("[summary] Compressed %d earlier turns.\ntools_used=%s last_cmd=%s\nfiles_written=%s\nrecent_head:\n%s",
		len(head),
		orDash(strings.Join(toolsUsed, ",")),
		orDash(lastCmd),
		orDash(strings.Join(filesWritten, ",")),
		strings.Join(recent, "\n"))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateRunes truncates a string to n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
