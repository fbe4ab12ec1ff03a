package agent

import (
	"regexp"
	"strings"
)

var internalTag = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>…</internal> reasoning blocks from a
// frame's result before it is surfaced to the channel.
func StripInternal(s string) string {
	return strings.TrimSpace(internalTag.ReplaceAllString(s, ""))
}
