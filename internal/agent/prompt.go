package agent

import (
	"strings"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// FormatPrompt renders a batch of messages as the stdin envelope:
//
//	<messages>
//	<message sender="NAME" time="ISO-8601">CONTENT</message>
//	</messages>
//
// Follow-up injections reuse the same envelope; agents tolerate repeated
// blocks on one stdin stream.
func FormatPrompt(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`<message sender="`)
		b.WriteString(xmlEscaper.Replace(m.SenderName))
		b.WriteString(`" time="`)
		b.WriteString(m.Timestamp)
		b.WriteString(`">`)
		b.WriteString(xmlEscaper.Replace(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}
