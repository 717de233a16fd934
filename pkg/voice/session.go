// Package voice implements the voice session controller: one state machine
// over two mutually exclusive strategies, live duplex streaming and
// turn-based recognition with TTS read-back. The hosting UI renders the same
// snapshot regardless of which strategy is active.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanchana-labs/voicepipe/pkg/companion"
	"github.com/kanchana-labs/voicepipe/pkg/voice/capture"
	"github.com/kanchana-labs/voicepipe/pkg/voice/config"
	"github.com/kanchana-labs/voicepipe/pkg/voice/live"
	"github.com/kanchana-labs/voicepipe/pkg/voice/playback"
	"github.com/kanchana-labs/voicepipe/pkg/voice/speech"
)

// ErrNotConfigured marks a start attempt that failed fatally on missing
// configuration. No automatic retry is attempted.
var ErrNotConfigured = errors.New("voice: not configured")

// Status is the single authoritative session state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusListening  Status = "listening"
	StatusProcessing Status = "processing"
	StatusSpeaking   Status = "speaking"
	StatusError      Status = "error"
)

// UsageBlock gates whether a listening session may start. Re-checked on
// every start attempt and on every captured frame.
type UsageBlock struct {
	Blocked bool
	Message string
}

// Alert is the dismissible usage-limit notice surfaced to the UI.
type Alert struct {
	Message string
}

// Snapshot is the UI-facing view of the session.
type Snapshot struct {
	Status    Status
	ErrorText string
	LastHeard string
	MicLevel  int
	Alert     *Alert
}

// LiveChannel is the duplex channel surface the live strategy drives.
// *live.Channel satisfies it; tests substitute fakes.
type LiveChannel interface {
	SendAudioFrame(data, mimeType string) error
	SendAudioStreamEnd() error
	SendTurns(ctx context.Context, turns []live.Content, turnComplete bool) error
	Messages() <-chan live.Message
	CloseReason() string
	Close() error
}

// Deps wires the session to its collaborators. Everything the hosting page
// owns arrives as a function or interface so the controller stays free of
// transport and UI concerns.
type Deps struct {
	Config config.Config
	Logger *slog.Logger

	// LiveEnabled selects the live streaming strategy.
	LiveEnabled bool

	// Source is the microphone. Required for both strategies.
	Source capture.Source
	// Sink plays decoded audio. Required for the live strategy.
	Sink playback.Sink

	// DialLive opens the duplex channel. Defaults to live.Dial.
	DialLive func(ctx context.Context, cfg live.Config) (LiveChannel, error)

	// Recognizer and Speaker serve the fallback strategy.
	Recognizer speech.Recognizer
	Speaker    speech.Speaker

	// SendMessage submits fallback transcripts to the chat backend.
	SendMessage func(ctx context.Context, text string, voiceDurationSeconds int) error
	// Messages returns the current ordered conversation history.
	Messages func() []companion.Message

	Prefs          *companion.Preferences
	BackendPremium bool

	// UsageBlock reports the current block state. Nil means never blocked.
	UsageBlock func() UsageBlock
	// OnBlockedAction is the upgrade/login call-to-action hook.
	OnBlockedAction func()

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// liveHandle is one live activation. intentional suppresses close side
// effects once stop is underway; the handle itself is nulled on stop so
// re-entrant stops are no-ops.
type liveHandle struct {
	channel  LiveChannel
	pipeline *capture.Pipeline
	queue    *playback.Queue
	cancel   context.CancelFunc

	mu          sync.Mutex
	intentional bool
}

func (h *liveHandle) markIntentional() {
	h.mu.Lock()
	h.intentional = true
	h.mu.Unlock()
}

func (h *liveHandle) isIntentional() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intentional
}

// Session is the voice session controller. One instance owns at most one
// capture graph and one live channel at a time.
type Session struct {
	deps Deps
	log  *slog.Logger

	mu         sync.Mutex
	status     Status
	errText    string
	lastHeard  string
	micLevel   int
	alert      *Alert
	closed     bool
	connecting bool

	// activation is the token of the current session activation. Stale
	// asynchronous completions compare tokens and no-op.
	activation uuid.UUID

	// starterSent latches the one-shot greeting for this controller's
	// lifetime, across restarts.
	starterSent bool

	liveHandle *liveHandle

	// Fallback state.
	fallbackActive bool
	fallbackStart  time.Time
	lastSpokenID   string
}

func NewSession(deps Deps) (*Session, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("voice: mic source is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.UsageBlock == nil {
		deps.UsageBlock = func() UsageBlock { return UsageBlock{} }
	}
	if deps.Messages == nil {
		deps.Messages = func() []companion.Message { return nil }
	}
	if deps.DialLive == nil {
		deps.DialLive = func(ctx context.Context, cfg live.Config) (LiveChannel, error) {
			return live.Dial(ctx, cfg)
		}
	}
	return &Session{
		deps:   deps,
		log:    deps.Logger,
		status: StatusIdle,
	}, nil
}

// Snapshot returns the current UI view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var alert *Alert
	if s.alert != nil {
		a := *s.alert
		alert = &a
	}
	return Snapshot{
		Status:    s.status,
		ErrorText: s.errText,
		LastHeard: s.lastHeard,
		MicLevel:  s.micLevel,
		Alert:     alert,
	}
}

// Status returns the current status value.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// DismissAlert clears the usage-limit notice. A later re-block raises it
// again.
func (s *Session) DismissAlert() {
	s.mu.Lock()
	s.alert = nil
	s.mu.Unlock()
}

// BlockedAction invokes the hosting page's call-to-action, if any.
func (s *Session) BlockedAction() {
	if s.deps.OnBlockedAction != nil {
		s.deps.OnBlockedAction()
	}
}

// unlimited reports whether this account bypasses the usage block.
func (s *Session) unlimited() bool {
	return companion.HasUnlimitedAccess(s.deps.Prefs, s.deps.BackendPremium)
}

// effectiveBlock applies the unlimited bypass.
func (s *Session) effectiveBlock() UsageBlock {
	block := s.deps.UsageBlock()
	if block.Blocked && s.unlimited() {
		return UsageBlock{}
	}
	return block
}

// Start begins a session with the configured strategy. A second Start while
// one is connecting or active is a no-op. Starting clears a previous error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("voice: session closed")
	}
	if s.connecting || s.liveHandle != nil || s.fallbackActive {
		s.mu.Unlock()
		return nil
	}

	if block := s.effectiveBlock(); block.Blocked {
		s.alert = &Alert{Message: block.Message}
		s.mu.Unlock()
		return nil
	}

	// A fresh start attempt clears a previous error.
	s.errText = ""
	if s.status == StatusError {
		s.status = StatusIdle
	}
	s.mu.Unlock()

	if s.deps.LiveEnabled {
		return s.startLive(ctx)
	}
	return s.startFallback(ctx)
}

// Stop ends the active session, whichever strategy it used. Idempotent and
// safe when never started.
func (s *Session) Stop() {
	s.stopLive()
	s.stopFallback()
}

// Close tears the session down permanently. All async completions observed
// after Close are rejected by the closed flag.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	if s.deps.Recognizer != nil {
		_ = s.deps.Recognizer.Close()
	}
	if s.deps.Speaker != nil {
		_ = s.deps.Speaker.Close()
	}
	return nil
}

// setStatusIf transitions status only when the given token is still the
// current activation. Returns false for stale callers.
func (s *Session) setStatusIf(token uuid.UUID, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || token != s.activation {
		return false
	}
	s.status = status
	return true
}

// fail records an error status with a human-readable line.
func (s *Session) fail(token uuid.UUID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || token != s.activation {
		return
	}
	s.status = StatusError
	s.errText = msg
}

func (s *Session) tokenCurrent(token uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && token == s.activation
}
