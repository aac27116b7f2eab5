package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgate/pkg/provider/llm/mock"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErrs: []error{errTest}}
	secondary := &sttmock.Provider{}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	sess, err := f.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
	if primary.StartStreamCallCount() != 1 || secondary.StartStreamCallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.StartStreamCallCount(), secondary.StartStreamCallCount())
	}
}

func TestSTTFallback_InterfaceType(t *testing.T) {
	nonStream := sttmock.NewRecognizer("x")
	f := NewSTTFallback(nonStream, "whisper", FallbackConfig{})
	if f.InterfaceType() != stt.InterfaceNonStream {
		t.Errorf("all non-stream: got %s", f.InterfaceType())
	}
	f.AddFallback("deepgram", &sttmock.Provider{Type: stt.InterfaceStream})
	if f.InterfaceType() != stt.InterfaceStream {
		t.Errorf("with a stream fallback: got %s", f.InterfaceType())
	}
}

func TestSTTFallback_Recognize(t *testing.T) {
	plain := &sttmock.Provider{Type: stt.InterfaceNonStream}
	rec := sttmock.NewRecognizer("turn on the lights")

	f := NewSTTFallback(plain, "plain", FallbackConfig{})
	f.AddFallback("whisper", rec)

	frame, _ := audio.FrameFromPCM(make([]byte, 320), 16000, 1)
	tr, err := f.Recognize(context.Background(), frame, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if tr.Text != "turn on the lights" {
		t.Errorf("text = %q", tr.Text)
	}
	if rec.RecognizeCallCount() != 1 {
		t.Errorf("RecognizeCallCount = %d, want 1", rec.RecognizeCallCount())
	}
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errTest}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "hi"}, {FinishReason: "stop"}}}

	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "hi" {
		t.Errorf("text = %q, want hi", text)
	}
}

func TestLLMFallback_StreamCompletion_FailsBeforeFirstChunk(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{FinishReason: llm.FinishReasonError, Text: "rate limited", Err: errTest},
	}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "It is noon."}, {FinishReason: "stop"}}}

	f := NewLLMFallback(primary, "anthropic", FallbackConfig{})
	f.AddFallback("ollama", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what time is it"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		if c.FinishReason == llm.FinishReasonError {
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
		text += c.Text
	}
	if text != "It is noon." {
		t.Errorf("text = %q, want the fallback's reply", text)
	}
	if primary.StreamCallCount() != 1 || secondary.StreamCallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.StreamCallCount(), secondary.StreamCallCount())
	}
}

func TestLLMFallback_StreamCompletion_MidStreamErrorPassesThrough(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "The oven is"},
		{FinishReason: llm.FinishReasonError, Text: "connection reset", Err: errTest},
	}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "unused"}, {FinishReason: "stop"}}}

	f := NewLLMFallback(primary, "anthropic", FallbackConfig{})
	f.AddFallback("ollama", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "is the oven on"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 || chunks[0].Text != "The oven is" {
		t.Fatalf("chunks = %+v, want text then error", chunks)
	}
	if !errors.Is(chunks[1].Err, errTest) {
		t.Errorf("terminal chunk err = %v, want errTest", chunks[1].Err)
	}
	if secondary.StreamCallCount() != 0 {
		t.Error("fallback should not be tried once text has been delivered")
	}
}

func TestLLMFallback_StreamCompletion_AllFailBeforeFirstChunk(t *testing.T) {
	failing := func() *llmmock.Provider {
		return &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: llm.FinishReasonError, Err: errTest}}}
	}
	f := NewLLMFallback(failing(), "anthropic", FallbackConfig{})
	f.AddFallback("ollama", failing())

	_, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	f := NewLLMFallback(&llmmock.Provider{CompleteErr: errTest}, "a", FallbackConfig{})
	f.AddFallback("b", &llmmock.Provider{CompleteErr: errTest})

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_SynthesizeStream_Failover(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errTest}
	secondary := &ttsmock.Provider{}

	f := NewTTSFallback(primary, "primary", FallbackConfig{})
	if err := f.AddFallback("secondary", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	text := make(chan string, 1)
	text <- "hello"
	close(text)

	ch, err := f.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	n := 0
	for range ch {
		n++
	}
	if n != 1 {
		t.Errorf("chunks = %d, want 1", n)
	}
}

func TestTTSFallback_RejectsFormatMismatch(t *testing.T) {
	f := NewTTSFallback(&ttsmock.Provider{SampleRate: 16000}, "a", FallbackConfig{})
	err := f.AddFallback("b", &ttsmock.Provider{SampleRate: 24000})
	if !errors.Is(err, provider.ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
}
