package hotctx

import (
	"fmt"
	"slices"
	"strings"
)

const defaultPrompt = "You are a helpful voice assistant. Answer briefly; your replies are spoken aloud."

// FormatSystemPrompt renders basePrompt followed by the knowledge in hctx.
//
// An empty basePrompt selects a short default. A nil hctx or one without
// knowledge yields the base prompt alone; empty sections are never rendered
// as bare headers.
//
// The formatter is pure and safe for concurrent use.
func FormatSystemPrompt(hctx *HotContext, basePrompt string) string {
	base := strings.TrimSpace(basePrompt)
	if base == "" {
		base = defaultPrompt
	}
	if hctx == nil || len(hctx.Knowledge) == 0 {
		return base
	}

	var sections []string
	for i := range hctx.Knowledge {
		if s := formatEntry(&hctx.Knowledge[i]); s != "" {
			sections = append(sections, s)
		}
	}
	if len(sections) == 0 {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n## Relevant Knowledge\n")
	sb.WriteString(strings.Join(sections, "\n\n"))
	return sb.String()
}

// wellKnown attributes are rendered first, in this order.
var wellKnown = []string{"description", "location", "hours", "contact"}

// formatEntry renders one entry as a heading line, attribute lines and fact
// bullets. Returns "" when the entry carries no information beyond its name.
func formatEntry(e *Entry) string {
	var lines []string

	rendered := make(map[string]bool)
	for _, k := range wellKnown {
		if v, ok := e.Attributes[k]; ok && v != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", k, v))
			rendered[k] = true
		}
	}
	var rest []string
	for k := range e.Attributes {
		if !rendered[k] && e.Attributes[k] != "" {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	for _, k := range rest {
		lines = append(lines, fmt.Sprintf("%s: %s", k, e.Attributes[k]))
	}
	for _, f := range e.Facts {
		if f = strings.TrimSpace(f); f != "" {
			lines = append(lines, "- "+f)
		}
	}
	if len(lines) == 0 {
		return ""
	}

	heading := "### " + e.Name
	if e.Type != "" {
		heading += fmt.Sprintf(" (%s)", e.Type)
	}
	if len(e.Aliases) > 0 {
		heading += fmt.Sprintf(" [also: %s]", strings.Join(e.Aliases, ", "))
	}
	return heading + "\n" + strings.Join(lines, "\n")
}
