package models

import (
	"html/template"
	"strings"
)

// MenuLine is one line of a chatbot reply. Lines containing a colon are headings and rendered bold.
type MenuLine struct {
	Text string
	Bold bool
}

// ParseMenu splits a reply on newlines, keeping every line as-is. An empty reply yields a single empty
// line.
func ParseMenu(response string) []MenuLine {
	raw := strings.Split(response, "\n")
	lines := make([]MenuLine, len(raw))
	for i, l := range raw {
		lines[i] = MenuLine{
			Text: l,
			Bold: strings.Contains(l, ":"),
		}
	}
	return lines
}

// FormatMenu renders a reply as markup: each line is terminated with <br>, and lines containing a colon
// are wrapped in <strong>. Line content is escaped, so markup sent by the backend is shown as text.
func FormatMenu(response string) template.HTML {
	var sb strings.Builder
	for _, l := range ParseMenu(response) {
		text := template.HTMLEscapeString(l.Text)
		if l.Bold {
			sb.WriteString("<strong>")
			sb.WriteString(text)
			sb.WriteString("</strong>")
		} else {
			sb.WriteString(text)
		}
		sb.WriteString("<br>")
	}
	return template.HTML(sb.String())
}
