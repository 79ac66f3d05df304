package telegram

import "strings"

const telegramTextLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes. A cut prefers
// the last newline in the window unless that leaves a chunk shorter than a
// third of the limit. With HTML parse mode a cut never lands inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = newlineCut(rs, start, end, limit)
			if html {
				end = tagSafeCut(rs, start, end)
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func newlineCut(rs []rune, start, end, limit int) int {
	for i := end - 1; i-start >= limit/3; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	return end
}

func tagSafeCut(rs []rune, start, end int) int {
	open := strings.LastIndex(string(rs[start:end]), "<")
	if open < 0 {
		return end
	}
	closeIdx := strings.LastIndex(string(rs[start:end]), ">")
	if closeIdx > open {
		return end
	}
	// Byte offsets back to runes.
	cut := start + len([]rune(string(rs[start:end])[:open]))
	if cut <= start+1 {
		return end
	}
	return cut
}
