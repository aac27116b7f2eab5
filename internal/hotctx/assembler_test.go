package hotctx_test

import (
	"context"
	"testing"

	"github.com/MrWong99/voxgate/internal/hotctx"
)

func TestAssembler_MergesPreFetchAndTranscript(t *testing.T) {
	kb := newKB(t,
		station,
		hotctx.Entry{ID: "museum", Name: "Harbour Museum", Facts: []string{"Closed on Mondays."}},
	)
	pf := newPreFetcher(t, kb)
	a := hotctx.NewAssembler(pf)

	// The user said "station" while still speaking.
	pf.ProcessPartial(context.Background(), "from the station")

	hctx := a.Assemble(context.Background(), "from the station to the museum")
	if hctx.PreFetched != 1 {
		t.Errorf("PreFetched = %d, want 1", hctx.PreFetched)
	}
	if len(hctx.Knowledge) != 2 {
		t.Fatalf("Knowledge = %d entries, want 2", len(hctx.Knowledge))
	}
	if hctx.Knowledge[0].ID != "museum" || hctx.Knowledge[1].ID != "station" {
		t.Errorf("Knowledge not ordered by ID: %s, %s", hctx.Knowledge[0].ID, hctx.Knowledge[1].ID)
	}

	// Assembly consumes the cache.
	if cached := pf.CachedEntries(); len(cached) != 0 {
		t.Errorf("cache not reset after Assemble: %d entries", len(cached))
	}
}

func TestAssembler_MaxEntries(t *testing.T) {
	kb := newKB(t,
		hotctx.Entry{ID: "a", Name: "Alpha"},
		hotctx.Entry{ID: "b", Name: "Bravo"},
		hotctx.Entry{ID: "c", Name: "Charlie"},
	)
	a := hotctx.NewAssembler(newPreFetcher(t, kb), hotctx.WithMaxEntries(2))

	hctx := a.Assemble(context.Background(), "alpha bravo charlie")
	if len(hctx.Knowledge) != 2 {
		t.Errorf("Knowledge = %d entries, want 2", len(hctx.Knowledge))
	}
}

func TestAssembler_Nil(t *testing.T) {
	var a *hotctx.Assembler
	hctx := a.Assemble(context.Background(), "anything")
	if hctx == nil || len(hctx.Knowledge) != 0 {
		t.Errorf("nil assembler must return an empty context, got %+v", hctx)
	}
}
