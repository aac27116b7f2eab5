package asr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/asr"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
)

func TestPrefetcher_Observe(t *testing.T) {
	t.Parallel()

	streamRecognizer := sttmock.NewRecognizer("x")
	streamRecognizer.Type = stt.InterfaceStream

	tests := []struct {
		name     string
		provider stt.Provider
		enabled  bool
	}{
		{"non-stream recognizer", sttmock.NewRecognizer("x"), true},
		{"stream recognizer", streamRecognizer, false},
		{"non-stream without side recognition", &sttmock.Provider{Type: stt.InterfaceNonStream}, false},
		{"nil provider", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf := asr.NewPrefetcher(tt.provider, 3)
			if pf.Enabled() != tt.enabled {
				t.Fatalf("Enabled = %v, want %v", pf.Enabled(), tt.enabled)
			}
			fired := 0
			for range 10 {
				if pf.Observe(true) {
					fired++
				}
			}
			want := 0
			if tt.enabled {
				want = 1
			}
			if fired != want {
				t.Errorf("fired %d times over 10 voiced frames, want %d", fired, want)
			}
		})
	}
}

func TestPrefetcher_CountsOnlyVoicedFrames(t *testing.T) {
	t.Parallel()
	pf := asr.NewPrefetcher(sttmock.NewRecognizer("x"), 2)

	if pf.Observe(false) || pf.Observe(false) || pf.Observe(true) {
		t.Fatal("fired before two voiced frames")
	}
	if !pf.Observe(true) {
		t.Fatal("did not fire on the second voiced frame")
	}

	for range 5 {
		if pf.Observe(true) {
			t.Fatal("fired a second time within the same segment")
		}
	}
}

func TestPrefetcher_DefaultThreshold(t *testing.T) {
	t.Parallel()
	pf := asr.NewPrefetcher(sttmock.NewRecognizer("x"), 0)
	for i := 1; i < asr.DefaultPrefetchThreshold; i++ {
		if pf.Observe(true) {
			t.Fatalf("fired at frame %d", i)
		}
	}
	if !pf.Observe(true) {
		t.Fatalf("did not fire at frame %d", asr.DefaultPrefetchThreshold)
	}
}

// prefetchRecorder collects OnPrefetch calls.
type prefetchRecorder struct {
	mu       sync.Mutex
	partials []string
}

func (r *prefetchRecorder) fn(_ context.Context, partial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partials = append(r.partials, partial)
}

func (r *prefetchRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.partials...)
}

func TestSession_PrefetchNonStreamFiresOnce(t *testing.T) {
	t.Parallel()
	prov := sttmock.NewRecognizer("where is the", "where is the station")
	rec := &prefetchRecorder{}
	s := newSession(t, asr.Config{Provider: prov, PrefetchThreshold: 3, OnPrefetch: rec.fn})
	ctx := context.Background()

	for i := range 10 {
		_ = s.ReceiveAudio(ctx, frame(t, byte(i)), true)
	}
	waitFor(t, "prefetch", func() bool { return len(rec.get()) == 1 })

	time.Sleep(20 * time.Millisecond)
	if got := rec.get(); len(got) != 1 || got[0] != "where is the" {
		t.Fatalf("prefetch partials = %q, want one %q", got, "where is the")
	}
	if n := prov.RecognizeCallCount(); n != 1 {
		t.Fatalf("Recognize calls = %d, want 1", n)
	}
	if spc := prov.RecognizeCalls[0].Frame.SamplesPerChannel(); spc != 3*160 {
		t.Errorf("prefetch recognised %d samples, want %d", spc, 3*160)
	}

	_ = s.Stop(ctx)
	if text, err := result(t, s); err != nil || text != "where is the station" {
		t.Errorf("Result = %q, %v", text, err)
	}
}

func TestSession_PrefetchSkippedForStream(t *testing.T) {
	t.Parallel()
	prov := sttmock.NewRecognizer("should not run", "final")
	prov.Type = stt.InterfaceStream
	rec := &prefetchRecorder{}
	s := newSession(t, asr.Config{Provider: prov, PrefetchThreshold: 3, OnPrefetch: rec.fn})
	ctx := context.Background()

	for i := range 20 {
		_ = s.ReceiveAudio(ctx, frame(t, byte(i)), true)
	}
	_ = s.Stop(ctx)
	if _, err := result(t, s); err != nil {
		t.Fatalf("Result: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if n := prov.RecognizeCallCount(); n != 0 {
		t.Errorf("Recognize calls = %d, want 0 for a stream provider", n)
	}
	if got := rec.get(); len(got) != 0 {
		t.Errorf("prefetch partials = %q, want none", got)
	}
}
