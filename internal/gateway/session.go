package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/asr"
	"github.com/MrWong99/voxgate/internal/dialog"
	"github.com/MrWong99/voxgate/internal/hotctx"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/channel"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	// helloTimeout bounds the wait for the device hello.
	helloTimeout = 10 * time.Second

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 5 * time.Second
)

// errDisconnected ends the per-connection goroutines when the device closed
// the socket normally.
var errDisconnected = errors.New("gateway: device disconnected")

// deviceSession is the pipeline of one connected device.
type deviceSession struct {
	srv      *Server
	id       string
	deviceID string
	logger   *slog.Logger

	// Set up in serve; read-only afterwards.
	stream    vad.Stream
	engine    *dialog.Engine
	prefetch  *hotctx.PreFetcher
	keywords  []stt.KeywordBoost
	streamCfg stt.StreamConfig
	turns     *channel.Chan[string]
	pending   sync.WaitGroup

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	closing     bool
	params      AudioParams
	decoder     *audio.OpusDecoder
	mode        asr.Mode
	segment     *asr.Session
	segments    int
	replyCancel context.CancelFunc
}

func newDeviceSession(srv *Server, id, deviceID string) *deviceSession {
	mode, err := asr.ParseMode(string(srv.cfg.Pipeline.ASR.Mode))
	if err != nil {
		mode = asr.ModeAuto
	}
	return &deviceSession{
		srv:      srv,
		id:       id,
		deviceID: deviceID,
		logger:   srv.logger.With("session_id", id, "device_id", deviceID),
		turns:    channel.New[string](),
		mode:     mode,
	}
}

// shutdown asks the session to end. It does not block.
func (ds *deviceSession) shutdown(code websocket.StatusCode, reason string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closing {
		return
	}
	ds.closing = true
	if ds.conn != nil {
		go ds.conn.Close(code, reason)
	}
	if ds.cancel != nil {
		ds.cancel()
	}
}

// run serves conn until the device disconnects, the pipeline fails or the
// server shuts down.
func (ds *deviceSession) run(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(observe.WithSession(ctx, ds.id, ds.deviceID))
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "gateway.session")
	defer span.End()

	ds.mu.Lock()
	if ds.closing {
		ds.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	ds.conn = conn
	ds.cancel = cancel
	ds.mu.Unlock()

	start := time.Now()
	ds.logger.Info("device connected")
	err := ds.serve(ctx)
	switch {
	case err == nil, errors.Is(err, errDisconnected), errors.Is(err, context.Canceled):
		ds.logger.Info("device disconnected", "duration", time.Since(start))
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		ds.logger.Warn("device session failed", "err", err, "duration", time.Since(start))
		span.RecordError(err)
		conn.Close(websocket.StatusInternalError, "session failed")
	}
}

func (ds *deviceSession) serve(ctx context.Context) error {
	if err := ds.handshake(ctx); err != nil {
		return err
	}

	cfg := ds.srv.cfg
	stream, err := cfg.VAD.NewStream(ctx)
	if err != nil {
		ds.sendError(ctx, "voice detection unavailable")
		return fmt.Errorf("gateway: vad stream: %w", err)
	}
	ds.stream = stream
	defer stream.Close()

	if cfg.Knowledge != nil {
		ds.prefetch = hotctx.NewPreFetcher(cfg.Knowledge, ds.logger,
			hotctx.WithPhoneticMatching(hotctx.NewPhoneticMatcher()))
		if err := ds.prefetch.RefreshEntryList(ctx); err != nil {
			ds.logger.Warn("knowledge index unavailable", "err", err)
		}
		for _, name := range ds.prefetch.Names() {
			ds.keywords = append(ds.keywords, stt.KeywordBoost{Keyword: name, Boost: 1})
		}
	}
	ds.streamCfg = stt.StreamConfig{
		SampleRate: cfg.VAD.Capabilities().SampleRate,
		Channels:   1,
		Language:   cfg.Pipeline.ASR.Language,
		Keywords:   ds.keywords,
	}

	if cfg.LLM != nil && cfg.TTS != nil {
		var assembler *hotctx.Assembler
		if ds.prefetch != nil {
			assembler = hotctx.NewAssembler(ds.prefetch)
		}
		ds.engine, err = dialog.New(dialog.Config{
			LLM: cfg.LLM,
			TTS: cfg.TTS,
			Voice: tts.VoiceProfile{
				ID:          cfg.Agent.Voice.ID,
				Name:        cfg.Agent.Voice.Name,
				SpeedFactor: cfg.Agent.Voice.SpeedFactor,
			},
			SystemPrompt: cfg.Agent.SystemPrompt,
			Assembler:    assembler,
			MaxHistory:   cfg.Agent.MaxHistory,
			Temperature:  cfg.Agent.Temperature,
			MaxTokens:    cfg.Agent.MaxTokens,
			Metrics:      ds.srv.metrics,
			Logger:       ds.logger,
		})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ds.readLoop(gctx) })
	g.Go(func() error { return ds.vadLoop(gctx) })
	g.Go(func() error { return ds.turnLoop(gctx) })
	err = g.Wait()

	ds.turns.Abort()
	ds.cancelReply(false)
	ds.mu.Lock()
	seg := ds.segment
	ds.segment = nil
	ds.mu.Unlock()
	if seg != nil {
		_ = seg.Close()
	}
	ds.pending.Wait()
	return err
}

// handshake waits for the device hello and answers it.
func (ds *deviceSession) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	typ, data, err := ds.conn.Read(hctx)
	if err != nil {
		return fmt.Errorf("gateway: waiting for hello: %w", err)
	}
	if typ != websocket.MessageText {
		ds.sendError(ctx, "expected hello")
		return errors.New("gateway: first message is not hello")
	}
	msg, err := decodeMessage(data)
	if err != nil || msg.Type != TypeHello {
		ds.sendError(ctx, "expected hello")
		return errors.New("gateway: first message is not hello")
	}
	return ds.handleHello(ctx, msg)
}

func (ds *deviceSession) handleHello(ctx context.Context, msg Message) error {
	params := defaultInputParams
	if msg.AudioParams != nil {
		params = msg.AudioParams.withDefaults()
	}
	if err := params.validate(); err != nil {
		ds.sendError(ctx, err.Error())
		return err
	}
	var dec *audio.OpusDecoder
	if params.Format == FormatOpus {
		var err error
		dec, err = audio.NewOpusDecoder(params.opusConfig())
		if err != nil {
			ds.sendError(ctx, err.Error())
			return fmt.Errorf("gateway: hello: %w", err)
		}
	}
	ds.mu.Lock()
	ds.params = params
	ds.decoder = dec
	ds.mu.Unlock()

	out := ds.srv.cfg.Pipeline.Output
	ds.logger.Debug("hello", "format", params.Format, "sample_rate", params.SampleRate, "channels", params.Channels)
	return ds.send(ctx, Message{
		Type:      TypeHello,
		SessionID: ds.id,
		AudioParams: &AudioParams{
			Format:        FormatOpus,
			SampleRate:    out.SampleRate,
			Channels:      out.Channels,
			FrameDuration: int(out.FrameDuration / time.Millisecond),
		},
	})
}

// ─── inbound ─────────────────────────────────────────────────────────────────

func (ds *deviceSession) readLoop(ctx context.Context) error {
	decodeFailed := false
	for {
		typ, data, err := ds.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errDisconnected
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway: read: %w", err)
		}

		if typ == websocket.MessageBinary {
			frame, err := ds.decodeAudio(data)
			if err != nil {
				if !decodeFailed {
					decodeFailed = true
					ds.logger.Warn("dropping undecodable audio", "err", err)
				}
				continue
			}
			if err := ds.stream.PushFrame(frame); err != nil {
				return fmt.Errorf("gateway: push audio: %w", err)
			}
			continue
		}

		msg, err := decodeMessage(data)
		if err != nil {
			ds.sendError(ctx, "malformed message")
			continue
		}
		if err := ds.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

func (ds *deviceSession) decodeAudio(data []byte) (audio.AudioFrame, error) {
	ds.mu.Lock()
	params, dec := ds.params, ds.decoder
	ds.mu.Unlock()
	if params.Format == FormatOpus {
		return dec.Decode(data)
	}
	return audio.FrameFromPCM(data, params.SampleRate, params.Channels)
}

func (ds *deviceSession) handleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case TypeHello:
		return ds.handleHello(ctx, msg)
	case TypeAbort:
		ds.cancelReply(false)
	case TypeListen:
		ds.handleListen(ctx, msg)
	default:
		ds.sendError(ctx, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return nil
}

func (ds *deviceSession) handleListen(ctx context.Context, msg Message) {
	switch msg.State {
	case ListenStart:
		mode, err := asr.ParseMode(msg.Mode)
		if err != nil {
			ds.sendError(ctx, err.Error())
			return
		}
		ds.mu.Lock()
		ds.mode = mode
		ds.mu.Unlock()
		if mode != asr.ModeManual {
			return
		}
		ds.cancelReply(true)
		seg, err := ds.beginSegment(ctx, asr.ModeManual)
		if err != nil {
			ds.sendError(ctx, "speech recognition unavailable")
			return
		}
		if err := seg.Start(ctx); err != nil {
			ds.logger.Warn("manual start failed", "err", err)
		}

	case ListenStop:
		if ds.currentMode() == asr.ModeManual {
			ds.endSegment(ctx)
			return
		}
		// Force the detector to close the utterance in progress.
		if err := ds.stream.Flush(); err != nil {
			ds.logger.Debug("vad flush failed", "err", err)
		}

	case ListenDetect:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			ds.sendError(ctx, "detect requires text")
			return
		}
		ds.cancelReply(false)
		ds.deliverTranscript(ctx, text)

	default:
		ds.sendError(ctx, fmt.Sprintf("unknown listen state %q", msg.State))
	}
}

// ─── speech segments ─────────────────────────────────────────────────────────

func (ds *deviceSession) vadLoop(ctx context.Context) error {
	for ev, err := range ds.stream.Events(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: vad: %w", err)
		}
		ds.handleVADEvent(ctx, ev)
	}
	return nil
}

func (ds *deviceSession) handleVADEvent(ctx context.Context, ev vad.Event) {
	m := ds.srv.metrics
	m.RecordVADEvent(ctx, ev.Type.String())

	switch ev.Type {
	case vad.InferenceDone:
		m.VADInferenceDuration.Record(ctx, ev.InferenceDuration.Seconds())
		ds.mu.Lock()
		seg := ds.segment
		ds.mu.Unlock()
		if seg == nil {
			return
		}
		for _, f := range ev.Frames {
			if err := seg.ReceiveAudio(ctx, f, ev.Speaking); err != nil {
				return
			}
		}

	case vad.StartOfSpeech:
		if ds.currentMode() != asr.ModeAuto {
			return
		}
		ds.cancelReply(true)
		seg, err := ds.beginSegment(ctx, asr.ModeAuto)
		if err != nil {
			ds.sendError(ctx, "speech recognition unavailable")
			return
		}
		// The onset frames include prefix padding; they open the connection.
		for _, f := range ev.Frames {
			if err := seg.ReceiveAudio(ctx, f, true); err != nil {
				return
			}
		}

	case vad.EndOfSpeech:
		if ds.currentMode() == asr.ModeAuto {
			ds.endSegment(ctx)
		}
	}
}

func (ds *deviceSession) currentMode() asr.Mode {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.mode
}

// beginSegment abandons any unfinished segment and opens a new one.
func (ds *deviceSession) beginSegment(ctx context.Context, mode asr.Mode) (*asr.Session, error) {
	cfg := ds.srv.cfg.Pipeline.ASR
	m := ds.srv.metrics
	ds.mu.Lock()
	ds.segments++
	n := ds.segments
	ds.mu.Unlock()
	seg, err := asr.NewSession(asr.Config{
		Provider:          ds.srv.cfg.STT,
		Stream:            ds.streamCfg,
		Mode:              mode,
		PrefetchThreshold: cfg.PrefetchThreshold,
		OnPrefetch:        ds.onPrefetch,
		OnVoiceStop: func(_ context.Context, frames []audio.AudioFrame) {
			ds.record(n, frames)
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:     cfg.RetryAttempts,
			InitialInterval: cfg.RetryBackoff,
			OnRetry: func(err error, wait time.Duration) {
				m.RecordProviderRetry(ctx, "stt", provider.Kind(err))
				ds.logger.Warn("stt connect failed, retrying", "err", err, "wait", wait)
			},
		},
		CloseTimeout: cfg.CloseTimeout,
		Logger:       ds.logger,
	})
	if err != nil {
		return nil, err
	}

	ds.mu.Lock()
	prev := ds.segment
	ds.segment = seg
	ds.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return seg, nil
}

// endSegment stops the current segment and delivers its transcript
// asynchronously.
func (ds *deviceSession) endSegment(ctx context.Context) {
	ds.mu.Lock()
	seg := ds.segment
	ds.segment = nil
	ds.mu.Unlock()
	if seg == nil {
		return
	}

	stopped := time.Now()
	if err := seg.Stop(ctx); err != nil {
		ds.logger.Warn("stt stop failed", "err", err)
	}
	if seg.PendingStop() {
		ds.srv.metrics.ASRDeferredStops.Add(ctx, 1)
	}

	ds.pending.Add(1)
	go func() {
		defer ds.pending.Done()
		defer seg.Close()
		text, err := seg.Result(ctx)
		if err != nil {
			if errors.Is(err, asr.ErrAbandoned) || ctx.Err() != nil {
				return
			}
			ds.srv.metrics.RecordProviderError(ctx, "stt", provider.Kind(err))
			ds.sendError(ctx, "speech recognition failed")
			return
		}
		observe.RecordDuration(ctx, ds.srv.metrics.STTDuration, stopped)
		if text == "" {
			return
		}
		ds.srv.metrics.RecordProviderRequest(ctx, "stt", "stream", "ok")
		ds.deliverTranscript(ctx, text)
	}()
}

// deliverTranscript reports text to the device and queues the reply.
func (ds *deviceSession) deliverTranscript(ctx context.Context, text string) {
	ds.logger.Info("transcript", "text", text)
	_ = ds.send(ctx, Message{Type: TypeSTT, Text: text})
	_ = ds.turns.Send(text)
}

func (ds *deviceSession) onPrefetch(ctx context.Context, partial string) {
	ds.srv.metrics.ASRPrefetches.Add(ctx, 1)
	if ds.prefetch == nil {
		return
	}
	entries := ds.prefetch.ProcessPartial(ctx, partial)
	ds.logger.Debug("prefetch", "partial", partial, "entries", len(entries))
}

// record writes the audio of segment n to the recordings directory.
func (ds *deviceSession) record(n int, frames []audio.AudioFrame) {
	dir := ds.srv.cfg.Pipeline.RecordingsDir
	if dir == "" || len(frames) == 0 {
		return
	}
	data, err := audio.EncodeFramesWAV(frames)
	if err != nil {
		ds.logger.Warn("recording skipped", "err", err)
		return
	}
	name := fmt.Sprintf("%s-%s-%03d.wav", safeName(ds.deviceID), ds.id, n)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		ds.logger.Warn("recording failed", "path", path, "err", err)
		return
	}
	ds.logger.Debug("recording written", "path", path, "duration", audio.TotalDuration(frames))
}

// safeName keeps letters, digits, '-' and '_' so device IDs cannot escape the
// recordings directory.
func safeName(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if out == "" {
		return "device"
	}
	return out
}

// ─── replies ─────────────────────────────────────────────────────────────────

func (ds *deviceSession) turnLoop(ctx context.Context) error {
	for text := range ds.turns.All(ctx) {
		ds.speak(ctx, text)
	}
	return nil
}

// cancelReply stops the reply that is playing, if any. bargeIn marks
// cancellations caused by new user speech.
func (ds *deviceSession) cancelReply(bargeIn bool) {
	ds.mu.Lock()
	cancel := ds.replyCancel
	ds.replyCancel = nil
	ds.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if bargeIn {
		ds.srv.metrics.BargeIns.Add(context.Background(), 1)
		ds.logger.Debug("barge-in: reply cancelled")
	}
}

// speak runs one dialog turn and streams it to the device.
func (ds *deviceSession) speak(ctx context.Context, text string) {
	if ds.engine == nil {
		return
	}
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ds.mu.Lock()
	ds.replyCancel = cancel
	ds.mu.Unlock()
	defer func() {
		ds.mu.Lock()
		ds.replyCancel = nil
		ds.mu.Unlock()
	}()

	reply, err := ds.engine.Respond(turnCtx, text)
	if err != nil {
		if turnCtx.Err() == nil {
			ds.logger.Warn("reply failed", "err", err, "kind", provider.Kind(err))
			ds.sendError(ctx, "reply failed")
		}
		return
	}

	_ = ds.send(ctx, Message{Type: TypeTTS, State: TTSStart})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for sentence := range reply.Sentences.All(turnCtx) {
			_ = ds.send(ctx, Message{Type: TypeTTS, State: TTSSentenceStart, Text: sentence})
		}
	}()

	if err := ds.streamAudio(turnCtx, reply.Audio); err != nil {
		ds.logger.Warn("audio output failed", "err", err)
		cancel()
	}
	audio.Drain(reply.Audio)
	wg.Wait()
	<-reply.Done()

	if err := reply.Err(); err != nil && turnCtx.Err() == nil {
		ds.sendError(ctx, "reply interrupted")
	}
	if spoken := reply.Text(); spoken != "" {
		_ = ds.send(ctx, Message{Type: TypeLLM, Text: spoken})
	}
	_ = ds.send(ctx, Message{Type: TypeTTS, State: TTSStop})
}

// streamAudio converts, encodes and writes reply audio until frames is closed
// or ctx is cancelled. A cancelled reply drops its partial packet.
func (ds *deviceSession) streamAudio(ctx context.Context, frames <-chan audio.AudioFrame) error {
	out := ds.srv.cfg.Pipeline.Output
	enc, err := audio.NewOpusEncoder(audio.OpusConfig{
		SampleRate:    out.SampleRate,
		Channels:      out.Channels,
		FrameDuration: out.FrameDuration,
	})
	if err != nil {
		return err
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: out.SampleRate, Channels: out.Channels}}

	for frame := range frames {
		if ctx.Err() != nil {
			return nil
		}
		packets, err := enc.Encode(conv.Convert(frame))
		if err != nil {
			return err
		}
		for _, pkt := range packets {
			if err := ds.write(ctx, websocket.MessageBinary, pkt); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	pkt, err := enc.Flush()
	if err != nil || pkt == nil {
		return err
	}
	return ds.write(ctx, websocket.MessageBinary, pkt)
}

// ─── outbound ────────────────────────────────────────────────────────────────

func (ds *deviceSession) send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", msg.Type, err)
	}
	return ds.write(ctx, websocket.MessageText, data)
}

func (ds *deviceSession) sendError(ctx context.Context, text string) {
	if err := ds.send(ctx, Message{Type: TypeError, Message: text}); err != nil {
		ds.logger.Debug("error message not delivered", "err", err)
	}
}

func (ds *deviceSession) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ds.conn.Write(ctx, typ, data)
}
