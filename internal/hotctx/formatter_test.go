package hotctx_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/internal/hotctx"
)

func TestFormatSystemPrompt_NilContext(t *testing.T) {
	t.Parallel()
	got := hotctx.FormatSystemPrompt(nil, "  You are Ava.  ")
	if got != "You are Ava." {
		t.Errorf("FormatSystemPrompt(nil) = %q", got)
	}
}

func TestFormatSystemPrompt_DefaultBase(t *testing.T) {
	t.Parallel()
	got := hotctx.FormatSystemPrompt(&hotctx.HotContext{}, "")
	if got == "" || strings.Contains(got, "##") {
		t.Errorf("expected the default prompt without sections, got %q", got)
	}
}

func TestFormatSystemPrompt_Knowledge(t *testing.T) {
	t.Parallel()
	hctx := &hotctx.HotContext{
		Knowledge: []hotctx.Entry{
			{
				ID:      "station",
				Name:    "Central Station",
				Type:    "place",
				Aliases: []string{"hbf"},
				Attributes: map[string]string{
					"platforms":   "12",
					"hours":       "04:30-01:00",
					"description": "the main railway hub",
				},
				Facts: []string{"Airport trains leave every 15 minutes.", "  "},
			},
		},
	}
	got := hotctx.FormatSystemPrompt(hctx, "You are Ava.")

	for _, want := range []string{
		"You are Ava.\n\n## Relevant Knowledge\n",
		"### Central Station (place) [also: hbf]",
		"- Airport trains leave every 15 minutes.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}

	// Well-known attributes come first in a fixed order, the rest sorted.
	desc := strings.Index(got, "description: the main railway hub")
	hours := strings.Index(got, "hours: 04:30-01:00")
	platforms := strings.Index(got, "platforms: 12")
	if desc < 0 || hours < 0 || platforms < 0 || !(desc < hours && hours < platforms) {
		t.Errorf("unexpected attribute order (description=%d hours=%d platforms=%d):\n%s", desc, hours, platforms, got)
	}
	if strings.Contains(got, "-   ") || strings.HasSuffix(got, "- ") {
		t.Error("blank facts must be skipped")
	}
}

func TestFormatSystemPrompt_SkipsEmptyEntries(t *testing.T) {
	t.Parallel()
	hctx := &hotctx.HotContext{Knowledge: []hotctx.Entry{{ID: "x", Name: "Nameonly"}}}
	got := hotctx.FormatSystemPrompt(hctx, "Base.")
	if got != "Base." {
		t.Errorf("entry without content must not render a section, got %q", got)
	}
}
