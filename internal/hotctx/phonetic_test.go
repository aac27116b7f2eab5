package hotctx_test

import (
	"context"
	"testing"

	"github.com/MrWong99/voxgate/internal/hotctx"
)

func TestPhoneticMatcher_Match(t *testing.T) {
	t.Parallel()

	names := []string{"Eldrinax", "Central Station", "Tower of Whispers"}
	tests := []struct {
		name   string
		phrase string
		want   string
		ok     bool
	}{
		{name: "split word", phrase: "elder nacks", want: "Eldrinax", ok: true},
		{name: "misspelled multi-word", phrase: "tower of wispers", want: "Tower of Whispers", ok: true},
		{name: "case insensitive", phrase: "ELDRINAX", want: "Eldrinax", ok: true},
		{name: "exact", phrase: "central station", want: "Central Station", ok: true},
		{name: "unrelated", phrase: "hello", ok: false},
		{name: "blank", phrase: "   ", ok: false},
	}
	m := hotctx.NewPhoneticMatcher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, score, ok := m.Match(tt.phrase, names)
			if ok != tt.ok {
				t.Fatalf("Match(%q) ok = %v (got %q, %.2f), want %v", tt.phrase, ok, got, score, tt.ok)
			}
			if !ok {
				if got != "" || score != 0 {
					t.Errorf("Match(%q) = %q, %.2f; want empty result", tt.phrase, got, score)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.phrase, got, tt.want)
			}
			if score < 0.7 || score > 1 {
				t.Errorf("Match(%q) score = %.2f, want within [0.7, 1]", tt.phrase, score)
			}
		})
	}
}

func TestPhoneticMatcher_NoNames(t *testing.T) {
	t.Parallel()

	if _, _, ok := hotctx.NewPhoneticMatcher().Match("eldrinax", nil); ok {
		t.Error("Match with no names reported a match")
	}
}

func TestPhoneticMatcher_Thresholds(t *testing.T) {
	t.Parallel()

	strict := hotctx.NewPhoneticMatcher(hotctx.WithPhoneticThreshold(1), hotctx.WithFuzzyThreshold(1))
	if name, _, ok := strict.Match("elder nacks", []string{"Eldrinax"}); ok {
		t.Errorf("strict matcher accepted %q", name)
	}
	if _, _, ok := strict.Match("eldrinax", []string{"Eldrinax"}); !ok {
		t.Error("strict matcher rejected an exact name")
	}
}

func TestPreFetcher_PhoneticMatching(t *testing.T) {
	t.Parallel()

	dragon := hotctx.Entry{ID: "eldrinax", Name: "Eldrinax", Facts: []string{"A bronze dragon statue in the park."}}
	kb := newKB(t, dragon)

	plain := newPreFetcher(t, kb)
	if got := plain.ProcessPartial(context.Background(), "how old is elder nacks"); len(got) != 0 {
		t.Fatalf("without phonetic matching got %v, want none", got)
	}

	pf := hotctx.NewPreFetcher(kb, nil, hotctx.WithPhoneticMatching(hotctx.NewPhoneticMatcher()))
	if err := pf.RefreshEntryList(context.Background()); err != nil {
		t.Fatalf("RefreshEntryList() error = %v", err)
	}
	got := pf.ProcessPartial(context.Background(), "how old is elder nacks")
	if len(got) != 1 || got[0].ID != "eldrinax" {
		t.Fatalf("ProcessPartial() = %v, want the eldrinax entry", got)
	}
	if again := pf.ProcessPartial(context.Background(), "elder nacks again"); len(again) != 0 {
		t.Errorf("second ProcessPartial() = %v, want cache hit", again)
	}
}
