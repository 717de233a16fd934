package speech

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kanchana-labs/voicepipe/pkg/voice/capture"
	"github.com/kanchana-labs/voicepipe/pkg/voice/pcm"
)

const defaultDeepgramWSBase = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig configures the streaming recognizer. The recognizer owns
// the mic source for the duration of each utterance.
type DeepgramConfig struct {
	APIKey    string
	BaseWSURL string

	// Language is fixed per session, e.g. "hi" or "en-IN".
	Language string
	// SampleRate is the rate audio is sent at. Defaults to 16000.
	SampleRate int
	// EndpointingMS is the silence window that finalizes an utterance.
	// Defaults to 300.
	EndpointingMS int

	Source capture.Source
	Logger *slog.Logger
}

// DeepgramRecognizer is a turn-based websocket recognizer. Each Start dials
// a fresh connection, streams mic audio, and ends the turn on the first
// speech-final result.
type DeepgramRecognizer struct {
	cfg DeepgramConfig
	log *slog.Logger

	mu     sync.Mutex
	active *dgUtterance
	closed bool
}

type dgUtterance struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	results chan Result
	done    chan struct{}
}

func NewDeepgramRecognizer(cfg DeepgramConfig) (*DeepgramRecognizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("speech: deepgram api key is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("speech: mic source is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.EndpointingMS <= 0 {
		cfg.EndpointingMS = 300
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DeepgramRecognizer{cfg: cfg, log: cfg.Logger}, nil
}

// Start begins one utterance. Only one utterance may be active at a time.
func (r *DeepgramRecognizer) Start(ctx context.Context) (<-chan Result, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("speech: recognizer closed")
	}
	if r.active != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("speech: utterance already in progress")
	}
	r.mu.Unlock()

	wsURL, err := r.buildURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+strings.TrimSpace(r.cfg.APIKey))

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	dialCancel()
	if err != nil {
		return nil, fmt.Errorf("speech: dial recognizer: %w", err)
	}

	uctx, cancel := context.WithCancel(ctx)
	u := &dgUtterance{
		conn:    conn,
		cancel:  cancel,
		results: make(chan Result, 16),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("speech: recognizer closed")
	}
	r.active = u
	r.mu.Unlock()

	go r.pumpAudio(uctx, u)
	go r.readResults(u)
	return u.results, nil
}

// Abort ends the active utterance without a final result.
func (r *DeepgramRecognizer) Abort() error {
	r.mu.Lock()
	u := r.active
	r.mu.Unlock()
	if u == nil {
		return nil
	}
	u.cancel()
	_ = u.conn.Close()
	return nil
}

// Close aborts any active utterance and rejects future starts. The mic
// source is left open; its lifecycle belongs to the caller.
func (r *DeepgramRecognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	u := r.active
	r.mu.Unlock()
	if u != nil {
		u.cancel()
		_ = u.conn.Close()
	}
	return nil
}

func (r *DeepgramRecognizer) buildURL() (string, error) {
	base := strings.TrimSpace(r.cfg.BaseWSURL)
	if base == "" {
		base = defaultDeepgramWSBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("speech: invalid recognizer url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.cfg.SampleRate))
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(r.cfg.EndpointingMS))
	q.Set("punctuate", "true")
	if lang := strings.TrimSpace(r.cfg.Language); lang != "" {
		q.Set("language", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *DeepgramRecognizer) pumpAudio(ctx context.Context, u *dgUtterance) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.done:
			// Utterance finalized; tell the server the stream is over.
			_ = u.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			return
		default:
		}

		raw, err := r.cfg.Source.Read(ctx)
		if err != nil {
			return
		}
		samples := pcm.Resample(raw, r.cfg.Source.SampleRate(), r.cfg.SampleRate)
		if len(samples) == 0 {
			continue
		}
		buf := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		_ = u.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := u.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			r.log.Warn("recognizer audio write failed", "err", err)
			return
		}
	}
}

type dgResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r *DeepgramRecognizer) readResults(u *dgUtterance) {
	defer func() {
		close(u.results)
		u.cancel()
		_ = u.conn.Close()
		r.mu.Lock()
		if r.active == u {
			r.active = nil
		}
		r.mu.Unlock()
	}()

	var finalized []string
	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			return
		}
		var resp dgResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.Type != "Results" {
			continue
		}
		segment := ""
		if len(resp.Channel.Alternatives) > 0 {
			segment = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}

		if resp.IsFinal && segment != "" {
			finalized = append(finalized, segment)
		}

		if resp.SpeechFinal {
			text := strings.Join(finalized, " ")
			if text != "" {
				u.results <- Result{Text: text, Final: true}
			}
			close(u.done)
			return
		}

		interim := strings.TrimSpace(strings.Join(append(append([]string{}, finalized...), segment), " "))
		if interim != "" {
			select {
			case u.results <- Result{Text: interim}:
			default:
				// Interim updates are advisory; drop when the consumer lags.
			}
		}
	}
}
