package stream

import "strings"

// Preview length caps used across event payloads.
const (
	// QueryPreviewMax bounds retrieving query previews.
	QueryPreviewMax = 100
	// ArgsPreviewMax bounds tool argument previews.
	ArgsPreviewMax = 200
	// ResultPreviewMax bounds tool result previews.
	ResultPreviewMax = 200
)

// Clamp normalizes whitespace and bounds a preview string to max runes. It
// keeps previews single-line so they render cleanly in progress lanes.
func Clamp(in string, max int) string {
	if in == "" {
		return ""
	}
	out := make([]rune, 0, len(in))
	prevSpace := false
	for _, r := range in {
		switch r {
		case '\n', '\r', '\t', ' ':
			if !prevSpace {
				out = append(out, ' ')
			}
			prevSpace = true
		default:
			out = append(out, r)
			prevSpace = false
		}
	}
	if len(out) <= max {
		return strings.TrimSpace(string(out))
	}
	return strings.TrimSpace(string(out[:max]))
}
