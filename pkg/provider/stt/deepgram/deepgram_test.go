package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	if q.Has("channels") {
		t.Errorf("channels should be omitted when unset, got %q", q.Get("channels"))
	}
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		SampleRate: 16000,
		Keywords: []stt.KeywordBoost{
			{Keyword: "voxgate", Boost: 5},
			{Keyword: "Kubernetes", Boost: 3.5},
		},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}
	assertEqual(t, "keyword[0]", "voxgate:5", kws[0])
	assertEqual(t, "keyword[1]", "Kubernetes:3.5", kws[1])
}

// ---- parseDeepgramResponse tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"duration": 0.75,
		"channel": {
			"alternatives": [{
				"transcript": "turn on the lights",
				"confidence": 0.97,
				"words": [
					{"word": "turn",   "start": 1.50, "end": 1.70, "confidence": 0.99},
					{"word": "on",     "start": 1.70, "end": 1.80, "confidence": 0.98},
					{"word": "the",    "start": 1.80, "end": 1.90, "confidence": 0.97},
					{"word": "lights", "start": 1.90, "end": 2.25, "confidence": 0.95}
				]
			}]
		}
	}`)

	tr, ok, err := parseDeepgramResponse(raw)
	if err != nil || !ok {
		t.Fatalf("parseDeepgramResponse: ok=%v err=%v", ok, err)
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "turn on the lights", tr.Text)
	if tr.Confidence != 0.97 {
		t.Errorf("confidence: want 0.97, got %f", tr.Confidence)
	}
	if len(tr.Words) != 4 {
		t.Fatalf("expected 4 words, got %d", len(tr.Words))
	}
	if tr.Words[3].End != 2250*time.Millisecond {
		t.Errorf("word[3].End: want 2.25s, got %s", tr.Words[3].End)
	}
	if tr.Timestamp != 1500*time.Millisecond {
		t.Errorf("Timestamp: want 1.5s, got %s", tr.Timestamp)
	}
	if tr.Duration != 750*time.Millisecond {
		t.Errorf("Duration: want 750ms, got %s", tr.Duration)
	}
}

func TestParseDeepgramResponse_Partial(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"turn on","confidence":0.7}]}}`)

	tr, ok, err := parseDeepgramResponse(raw)
	if err != nil || !ok {
		t.Fatalf("parseDeepgramResponse: ok=%v err=%v", ok, err)
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false")
	}
	assertEqual(t, "text", "turn on", tr.Text)
}

func TestParseDeepgramResponse_NonResults(t *testing.T) {
	for _, raw := range []string{
		`{"type":"Metadata","request_id":"abc"}`,
		`{"type":"SpeechStarted","timestamp":0.5}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
	} {
		_, ok, err := parseDeepgramResponse([]byte(raw))
		if err != nil {
			t.Errorf("%s: unexpected error %v", raw, err)
		}
		if ok {
			t.Errorf("%s: expected ok=false", raw)
		}
	}
}

func TestParseDeepgramResponse_InvalidJSON(t *testing.T) {
	_, ok, err := parseDeepgramResponse([]byte(`not json`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
	if !errors.Is(err, provider.ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

// ---- constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", deepgramEndpoint, p.endpoint)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("sampleRate: want %d, got %d", defaultSampleRate, p.sampleRate)
	}
	if p.InterfaceType() != stt.InterfaceStream {
		t.Errorf("InterfaceType: want stream, got %s", p.InterfaceType())
	}
}

// ---- WebSocket round trip ----

// fakeDeepgram accepts one connection, counts received audio bytes, answers
// each chunk with a partial and, on CloseStream, sends one final and closes.
func fakeDeepgram(t *testing.T, gotAuth chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			gotAuth <- r.Header.Get("Authorization")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		received := 0
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received += len(msg)
				_ = conn.Write(ctx, websocket.MessageText,
					[]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`garbage`))
				_ = conn.Write(ctx, websocket.MessageText,
					[]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.9}]}}`))
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStartStream_RoundTrip(t *testing.T) {
	auth := make(chan string, 1)
	srv := fakeDeepgram(t, auth)
	defer srv.Close()

	p, err := New("secret", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	assertEqual(t, "authorization", "Token secret", <-auth)

	for range 3 {
		if err := sess.SendAudio(make([]byte, 320)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if err := sess.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := sess.SendAudio(make([]byte, 320)); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Finish: want ErrSessionClosed, got %v", err)
	}

	var finals []stt.Transcript
	for tr := range sess.Finals() {
		finals = append(finals, tr)
	}
	if len(finals) != 1 {
		t.Fatalf("expected 1 final, got %d", len(finals))
	}
	assertEqual(t, "final text", "hello world", finals[0].Text)
	if err := sess.Err(); err != nil {
		t.Errorf("Err after normal close: %v", err)
	}
}

func TestStartStream_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad", WithEndpoint(wsURL(srv)))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	var authErr *provider.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %T: %v", err, err)
	}
	if provider.IsRetryable(err) {
		t.Error("authentication errors must not be retryable")
	}
}

func TestStartStream_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := wsURL(srv)
	srv.Close()

	p, _ := New("key", WithEndpoint(endpoint))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	var connErr *provider.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
}

func TestSession_CloseClosesChannels(t *testing.T) {
	srv := fakeDeepgram(t, nil)
	defer srv.Close()

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	_ = sess.Close()

	select {
	case _, ok := <-sess.Finals():
		if ok {
			t.Error("unexpected final after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Finals not closed after Close")
	}
	if err := sess.Finish(context.Background()); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Finish after Close: want ErrSessionClosed, got %v", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
