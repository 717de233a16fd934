// Package live implements the duplex websocket channel to the realtime
// generative voice backend. The channel owns the socket; callers push audio
// frames and turn text in, and consume decoded server events from Messages.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWSBase = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const (
	sensitivityStartHigh = "START_SENSITIVITY_HIGH"
	sensitivityEndHigh   = "END_SENSITIVITY_HIGH"
)

// Config holds everything needed to open one live channel.
type Config struct {
	APIKey    string
	Model     string
	BaseWSURL string

	VoiceName         string
	SystemInstruction string
	MaxOutputTokens   int
	PrefixPaddingMS   int
	SilenceDurationMS int

	// HandshakeTimeout bounds dial plus the setupComplete wait.
	// Defaults to 15 seconds.
	HandshakeTimeout time.Duration
}

// Channel is a connected live session socket. All writes are serialized and
// carry deadlines; inbound messages are decoded on a dedicated read loop.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	errMu   sync.Mutex

	messages  chan Message
	closed    chan struct{}
	closeOnce sync.Once

	lastClose       string
	lastServerError string
}

// Dial connects, performs the setup handshake, and returns a ready channel.
// The returned channel must be closed by the caller.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("live: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("live: model is required")
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wsURL, err := buildWSURL(cfg.BaseWSURL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	ch := &Channel{
		conn:     conn,
		messages: make(chan Message, 256),
		closed:   make(chan struct{}),
	}

	if err := ch.writeJSON(ctx, clientMessage{Setup: buildSetup(cfg)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("live: send setup: %w", err)
	}
	if err := ch.awaitSetupComplete(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go ch.readLoop()
	return ch, nil
}

func buildSetup(cfg Config) *Setup {
	setup := &Setup{
		Model: strings.TrimSpace(cfg.Model),
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			MaxOutputTokens:    cfg.MaxOutputTokens,
		},
		RealtimeInputConfig: &RealtimeInputConfig{
			AutomaticActivityDetection: &AutomaticActivityDetection{
				StartOfSpeechSensitivity: sensitivityStartHigh,
				EndOfSpeechSensitivity:   sensitivityEndHigh,
				PrefixPaddingMS:          cfg.PrefixPaddingMS,
				SilenceDurationMS:        cfg.SilenceDurationMS,
			},
		},
		InputAudioTranscription: &struct{}{},
	}
	if voice := strings.TrimSpace(cfg.VoiceName); voice != "" {
		setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if instr := strings.TrimSpace(cfg.SystemInstruction); instr != "" {
		setup.SystemInstruction = &Content{Parts: []Part{{Text: instr}}}
	}
	return setup
}

func (c *Channel) awaitSetupComplete(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("live: setup handshake: %w", err)
		}
		msg, err := decodeServerMessage(data)
		if err != nil {
			continue
		}
		if len(msg.Error) > 0 {
			return fmt.Errorf("live: setup rejected: %s", compactRaw(msg.Error))
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// SendAudioFrame forwards one base64 PCM16 frame. Satisfies the capture
// pipeline's sender contract.
func (c *Channel) SendAudioFrame(data string, mimeType string) error {
	if strings.TrimSpace(data) == "" {
		return nil
	}
	return c.writeJSON(context.Background(), clientMessage{
		RealtimeInput: &RealtimeInput{
			Audio: &AudioBlob{Data: data, MimeType: mimeType},
		},
	})
}

// SendAudioStreamEnd tells the server no further audio is coming. Best
// effort: callers typically ignore the error during teardown.
func (c *Channel) SendAudioStreamEnd() error {
	return c.writeJSON(context.Background(), clientMessage{
		RealtimeInput: &RealtimeInput{AudioStreamEnd: true},
	})
}

// SendTurns pushes text turns into the conversation. With turnComplete false
// the turns act as context seeding and trigger no model reply.
func (c *Channel) SendTurns(ctx context.Context, turns []Content, turnComplete bool) error {
	if len(turns) == 0 {
		return nil
	}
	return c.writeJSON(ctx, clientMessage{
		ClientContent: &ClientContent{Turns: turns, TurnComplete: turnComplete},
	})
}

// Messages returns the decoded inbound event stream. The channel is closed
// when the socket dies or Close is called. Safe on a nil receiver.
func (c *Channel) Messages() <-chan Message {
	if c == nil {
		ch := make(chan Message)
		close(ch)
		return ch
	}
	return c.messages
}

// Close tears down the socket. Idempotent and safe on a nil receiver.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		_ = c.conn.Close()
	})
	return nil
}

// CloseReason reports why the socket went away, empty while it is healthy.
func (c *Channel) CloseReason() string {
	if c == nil {
		return ""
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lastServerError != "" {
		return c.lastServerError
	}
	if c.lastClose == "closed" {
		return ""
	}
	return c.lastClose
}

func (c *Channel) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}

		msg, err := decodeServerMessage(data)
		if err != nil {
			continue
		}
		var errText string
		if len(msg.Error) > 0 {
			errText = compactRaw(msg.Error)
			c.setLastServerError(errText)
		}
		if msg.ServerContent == nil && msg.UsageMetadata == nil && errText == "" {
			continue
		}

		select {
		case c.messages <- Message{Content: msg.ServerContent, Usage: msg.UsageMetadata, Err: errText}:
		case <-c.closed:
			return
		}
	}
}

func (c *Channel) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		reason := strings.TrimSpace(c.failureReason())
		if reason == "" {
			return err
		}
		return fmt.Errorf("%w (live %s)", err, reason)
	}
	return nil
}

func buildWSURL(base, apiKey string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultWSBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("live: invalid ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("key", strings.TrimSpace(apiKey))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func compactRaw(raw json.RawMessage) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}

func (c *Channel) setLastClose(msg string) {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastClose = msg
	c.errMu.Unlock()
}

func (c *Channel) setLastServerError(msg string) {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastServerError = msg
	c.errMu.Unlock()
}

func (c *Channel) failureReason() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	parts := make([]string, 0, 2)
	if c.lastServerError != "" {
		parts = append(parts, "server_error="+c.lastServerError)
	}
	if c.lastClose != "" {
		parts = append(parts, "close="+c.lastClose)
	}
	return strings.Join(parts, " ")
}
