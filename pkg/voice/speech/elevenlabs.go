package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kanchana-labs/voicepipe/pkg/voice/pcm"
	"github.com/kanchana-labs/voicepipe/pkg/voice/playback"
)

// multi-stream-input supports per-message context_id; one read-back
// utterance maps to one context, so Cancel can kill exactly one utterance.
const defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/multi-stream-input"

// ElevenLabsConfig configures the websocket speaker.
type ElevenLabsConfig struct {
	APIKey    string
	VoiceID   string
	BaseWSURL string
	ModelID   string

	// OutputRate must match the requested output_format. Defaults to 24000.
	OutputRate int

	Sink   playback.Sink
	Logger *slog.Logger
}

type ttsChunk struct {
	ContextID string
	Audio     string
	Final     bool
}

// ElevenLabsSpeaker streams text over one long-lived websocket and plays the
// returned PCM through the session sink. Speak serializes utterances; a new
// Speak (or Cancel) invalidates the in-flight one.
type ElevenLabsSpeaker struct {
	conn *websocket.Conn
	sink playback.Sink
	log  *slog.Logger
	rate int

	writeMu sync.Mutex

	mu           sync.Mutex
	activeCtxID  string
	cancelActive context.CancelFunc

	chunks    chan ttsChunk
	closed    chan struct{}
	closeOnce sync.Once
}

func NewElevenLabsSpeaker(ctx context.Context, cfg ElevenLabsConfig) (*ElevenLabsSpeaker, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("speech: elevenlabs api key is required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, fmt.Errorf("speech: elevenlabs voice id is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("speech: playback sink is required")
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = pcm.DefaultOutputRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wsURL, err := buildElevenLabsWSURL(cfg.BaseWSURL, strings.TrimSpace(cfg.VoiceID), strings.TrimSpace(cfg.ModelID))
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(cfg.APIKey))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("speech: dial tts: %w", err)
	}

	s := &ElevenLabsSpeaker{
		conn:   conn,
		sink:   cfg.Sink,
		log:    cfg.Logger,
		rate:   cfg.OutputRate,
		chunks: make(chan ttsChunk, 256),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Speak reads text aloud. Any in-flight utterance is cancelled first, so
// read-backs never overlap. Returns nil when the utterance is displaced by a
// newer one.
func (s *ElevenLabsSpeaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	contextID := uuid.NewString()
	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancelActive != nil {
		s.cancelActive()
	}
	staleCtxID := s.activeCtxID
	s.activeCtxID = contextID
	s.cancelActive = cancel
	s.mu.Unlock()

	if staleCtxID != "" {
		_ = s.writeJSON(ctx, map[string]any{"context_id": staleCtxID, "close_context": true})
	}

	if err := s.writeJSON(ctx, map[string]any{"text": " ", "context_id": contextID}); err != nil {
		return fmt.Errorf("speech: open tts context: %w", err)
	}
	if err := s.writeJSON(ctx, map[string]any{"text": text + " ", "context_id": contextID, "flush": true}); err != nil {
		return fmt.Errorf("speech: send tts text: %w", err)
	}
	if err := s.writeJSON(ctx, map[string]any{"context_id": contextID, "close_context": true}); err != nil {
		return fmt.Errorf("speech: close tts context: %w", err)
	}

	defer func() {
		s.mu.Lock()
		if s.activeCtxID == contextID {
			s.activeCtxID = ""
			s.cancelActive = nil
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-playCtx.Done():
			return nil
		case <-s.closed:
			return fmt.Errorf("speech: speaker closed")
		case chunk, ok := <-s.chunks:
			if !ok {
				return fmt.Errorf("speech: tts connection lost")
			}
			if chunk.ContextID != "" && chunk.ContextID != contextID {
				continue
			}
			if chunk.Audio != "" {
				samples, err := pcm.DecodeBase64(chunk.Audio)
				if err != nil {
					s.log.Warn("tts chunk decode failed", "err", err)
					continue
				}
				if err := s.sink.Play(playCtx, pcm.PCM16ToFloat32Buffer(samples), s.rate); err != nil {
					if playCtx.Err() != nil {
						return nil
					}
					return fmt.Errorf("speech: play tts chunk: %w", err)
				}
			}
			if chunk.Final {
				return nil
			}
		}
	}
}

// Cancel aborts the in-flight utterance, if any.
func (s *ElevenLabsSpeaker) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancelActive
	contextID := s.activeCtxID
	s.cancelActive = nil
	s.activeCtxID = ""
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if contextID != "" {
		_ = s.writeJSON(context.Background(), map[string]any{"context_id": contextID, "close_context": true})
	}
}

func (s *ElevenLabsSpeaker) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.Cancel()
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

func (s *ElevenLabsSpeaker) readLoop() {
	defer close(s.chunks)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			ContextID  string `json:"contextId"`
			ContextID2 string `json:"context_id"`
			Audio      string `json:"audio"`
			IsFinal    bool   `json:"isFinal"`
			IsFinal2   bool   `json:"is_final"`
			Error      string `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			s.log.Warn("tts server error", "err", strings.Join(strings.Fields(msg.Error), " "))
		}
		contextID := msg.ContextID
		if contextID == "" {
			contextID = msg.ContextID2
		}
		final := msg.IsFinal || msg.IsFinal2
		if msg.Audio == "" && !final {
			continue
		}
		select {
		case s.chunks <- ttsChunk{ContextID: contextID, Audio: strings.TrimSpace(msg.Audio), Final: final}:
		case <-s.closed:
			return
		}
	}
}

func (s *ElevenLabsSpeaker) writeJSON(ctx context.Context, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return s.conn.WriteJSON(payload)
}

func buildElevenLabsWSURL(base, voiceID, modelID string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultElevenLabsWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("speech: invalid tts ws url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		if modelID == "" {
			modelID = "eleven_flash_v2_5"
		}
		q.Set("model_id", modelID)
	}
	if q.Get("output_format") == "" {
		q.Set("output_format", "pcm_24000")
	}
	if q.Get("apply_text_normalization") == "" {
		q.Set("apply_text_normalization", "off")
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "60")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
