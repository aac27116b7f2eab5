package asr

import "github.com/MrWong99/voxgate/pkg/provider/stt"

// DefaultPrefetchThreshold is the voiced-frame count after which a
// speculative recognition runs when no threshold is configured.
const DefaultPrefetchThreshold = 15

// Prefetcher decides when a segment has accumulated enough voiced audio to
// run a speculative, non-consuming recognition over it.
//
// Prefetch is only possible when the provider supports a side recognition
// call ([stt.Recognizer]) and is not a continuous-stream recognizer: calling
// recognition mid-stream on a stateful decoder would disturb the session the
// real transcript comes from. A disabled Prefetcher never fires.
//
// A Prefetcher is not safe for concurrent use; [Session] guards it with its
// own mutex.
type Prefetcher struct {
	recognizer stt.Recognizer
	threshold  int
	voiced     int
	fired      bool
}

// NewPrefetcher returns a Prefetcher for p. A threshold <= 0 selects
// [DefaultPrefetchThreshold].
func NewPrefetcher(p stt.Provider, threshold int) *Prefetcher {
	if threshold <= 0 {
		threshold = DefaultPrefetchThreshold
	}
	pf := &Prefetcher{threshold: threshold}
	if p == nil || p.InterfaceType() == stt.InterfaceStream {
		return pf
	}
	if r, ok := p.(stt.Recognizer); ok {
		pf.recognizer = r
	}
	return pf
}

// Enabled reports whether the provider allows prefetching at all.
func (pf *Prefetcher) Enabled() bool { return pf.recognizer != nil }

// Recognizer returns the side recognizer, or nil when disabled.
func (pf *Prefetcher) Recognizer() stt.Recognizer { return pf.recognizer }

// Observe counts one frame and reports whether the prefetch should run now.
// It returns true at most once: on the voiced frame that reaches the
// threshold. Each segment builds its own Prefetcher.
func (pf *Prefetcher) Observe(voiceActive bool) bool {
	if pf.recognizer == nil || pf.fired || !voiceActive {
		return false
	}
	pf.voiced++
	if pf.voiced < pf.threshold {
		return false
	}
	pf.fired = true
	return true
}
