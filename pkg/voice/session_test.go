package voice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kanchana-labs/voicepipe/pkg/companion"
	"github.com/kanchana-labs/voicepipe/pkg/voice/config"
	"github.com/kanchana-labs/voicepipe/pkg/voice/live"
	"github.com/kanchana-labs/voicepipe/pkg/voice/pcm"
	"github.com/kanchana-labs/voicepipe/pkg/voice/speech"
)

type idleSource struct{}

func (s *idleSource) Read(ctx context.Context) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *idleSource) SampleRate() int { return 16000 }
func (s *idleSource) Close() error    { return nil }

type blockingSink struct {
	mu      sync.Mutex
	started int
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{})}
}

func (s *blockingSink) Play(ctx context.Context, samples []float32, rate int) error {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingSink) Close() error { return nil }

func (s *blockingSink) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

type fakeTurn struct {
	text     string
	complete bool
}

type fakeChannel struct {
	mu        sync.Mutex
	turns     []fakeTurn
	frames    []string
	streamEnd int
	reason    string

	msgs      chan live.Message
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{msgs: make(chan live.Message, 32)}
}

func (c *fakeChannel) SendAudioFrame(data, mimeType string) error {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) SendAudioStreamEnd() error {
	c.mu.Lock()
	c.streamEnd++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) SendTurns(ctx context.Context, turns []live.Content, turnComplete bool) error {
	c.mu.Lock()
	for _, t := range turns {
		text := ""
		if len(t.Parts) > 0 {
			text = t.Parts[0].Text
		}
		c.turns = append(c.turns, fakeTurn{text: text, complete: turnComplete})
	}
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Messages() <-chan live.Message { return c.msgs }

func (c *fakeChannel) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.msgs) })
	return nil
}

func (c *fakeChannel) push(msg live.Message) { c.msgs <- msg }

func (c *fakeChannel) sentTurns() []fakeTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeTurn, len(c.turns))
	copy(out, c.turns)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func liveDeps(t *testing.T, ch *fakeChannel) Deps {
	t.Helper()
	cfg := config.Config{
		GeminiAPIKey:     "key",
		LiveModel:        "models/test",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		HistoryLimit:     2,
		MaxOutputTokens:  90,
	}
	return Deps{
		Config:      cfg,
		Logger:      discardLogger(),
		LiveEnabled: true,
		Source:      &idleSource{},
		Sink:        newBlockingSink(),
		DialLive: func(ctx context.Context, _ live.Config) (LiveChannel, error) {
			return ch, nil
		},
	}
}

func TestLiveStartSendsStarterOnce(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(liveDeps(t, ch))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Status(); got != StatusListening {
		t.Fatalf("status after start = %q, want listening", got)
	}
	// Re-entrant start is a no-op.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	turns := ch.sentTurns()
	if len(turns) != 1 {
		t.Fatalf("sent %d seed turns, want exactly 1 starter", len(turns))
	}
	if !turns[0].complete {
		t.Fatalf("starter turn must be marked complete")
	}
	if !strings.Contains(turns[0].text, "greet") {
		t.Fatalf("starter text = %q", turns[0].text)
	}

	// Even a stop/start cycle never repeats the starter.
	s.Stop()
	ch2 := newFakeChannel()
	s.deps.DialLive = func(ctx context.Context, _ live.Config) (LiveChannel, error) {
		return ch2, nil
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if n := len(ch2.sentTurns()); n != 0 {
		t.Fatalf("restart sent %d turns, want 0", n)
	}
}

func TestLiveRecapSeedsHistory(t *testing.T) {
	ch := newFakeChannel()
	deps := liveDeps(t, ch)
	history := []companion.Message{
		{ID: "1", Role: companion.RoleUser, Text: "kaise ho"},
		{ID: "2", Role: companion.RoleAssistant, Text: "main theek hoon"},
	}
	deps.Messages = func() []companion.Message { return history }
	s, err := NewSession(deps)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	turns := ch.sentTurns()
	if len(turns) != 1 {
		t.Fatalf("sent %d turns, want 1 recap (no starter with history)", len(turns))
	}
	if turns[0].complete {
		t.Fatalf("recap turn must not complete the turn")
	}
	if !strings.Contains(turns[0].text, "main theek hoon") {
		t.Fatalf("recap text = %q", turns[0].text)
	}
}

func TestStopIdempotent(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(liveDeps(t, ch))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	// Stop before any start.
	s.Stop()
	if got := s.Status(); got != StatusIdle {
		t.Fatalf("status = %q, want idle", got)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
	if got := s.Status(); got != StatusIdle {
		t.Fatalf("status after double stop = %q, want idle", got)
	}
	ch.mu.Lock()
	streamEnd := ch.streamEnd
	ch.mu.Unlock()
	if streamEnd != 1 {
		t.Fatalf("audioStreamEnd sent %d times, want 1", streamEnd)
	}
}

func TestIntentionalCloseSuppressed(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(liveDeps(t, ch))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.mu.Lock()
	ch.reason = "should never surface"
	ch.mu.Unlock()
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	snap := s.Snapshot()
	if snap.Status != StatusIdle || snap.ErrorText != "" {
		t.Fatalf("after intentional close: status=%q err=%q, want idle with no error", snap.Status, snap.ErrorText)
	}
}

func TestRemoteCloseSurfacesReason(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(liveDeps(t, ch))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.mu.Lock()
	ch.reason = "quota exhausted"
	ch.mu.Unlock()
	ch.Close()

	waitFor(t, "remote close handling", func() bool {
		snap := s.Snapshot()
		return snap.Status == StatusIdle && snap.ErrorText != ""
	})
	if snap := s.Snapshot(); !strings.Contains(snap.ErrorText, "quota exhausted") {
		t.Fatalf("error text = %q", snap.ErrorText)
	}
}

func TestRemoteErrorEventSetsErrorStatus(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(liveDeps(t, ch))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The socket stays open; the error arrives as a stream event.
	ch.push(live.Message{Err: `{"code":429,"message":"resource exhausted"}`})

	waitFor(t, "error status from server event", func() bool {
		return s.Status() == StatusError
	})
	if snap := s.Snapshot(); !strings.Contains(snap.ErrorText, "resource exhausted") {
		t.Fatalf("error text = %q", snap.ErrorText)
	}

	// A later remote close keeps the error, not the close reason.
	ch.mu.Lock()
	ch.reason = "going away"
	ch.mu.Unlock()
	ch.Close()
	time.Sleep(30 * time.Millisecond)
	snap := s.Snapshot()
	if snap.Status != StatusError || !strings.Contains(snap.ErrorText, "resource exhausted") {
		t.Fatalf("after close: status=%q err=%q", snap.Status, snap.ErrorText)
	}
}

func TestInterruptionClearsQueue(t *testing.T) {
	ch := newFakeChannel()
	deps := liveDeps(t, ch)
	sink := newBlockingSink()
	deps.Sink = sink
	s, err := NewSession(deps)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	audio := pcm.EncodeBase64([]int16{1000, -1000, 500})
	parts := make([]live.Part, 4)
	for i := range parts {
		parts[i] = live.Part{InlineData: &live.AudioBlob{Data: audio, MimeType: "audio/pcm;rate=24000"}}
	}
	ch.push(live.Message{Content: &live.ServerContent{ModelTurn: &live.Content{Parts: parts}}})

	waitFor(t, "first chunk to start", func() bool { return sink.startedCount() == 1 })
	if got := s.Status(); got != StatusSpeaking {
		t.Fatalf("status mid-playback = %q, want speaking", got)
	}

	ch.push(live.Message{Content: &live.ServerContent{Interrupted: true}})
	waitFor(t, "queue clear + listening", func() bool {
		s.mu.Lock()
		h := s.liveHandle
		s.mu.Unlock()
		return h != nil && h.queue.Len() == 0 && s.Status() == StatusListening
	})

	// The in-flight chunk is not cancelled; once it finishes, no further
	// chunks play.
	close(sink.release)
	time.Sleep(30 * time.Millisecond)
	if n := sink.startedCount(); n != 1 {
		t.Fatalf("%d chunks played after interruption, want 1", n)
	}
}

func TestUsageBlockGatesStart(t *testing.T) {
	ch := newFakeChannel()
	deps := liveDeps(t, ch)
	blocked := true
	dialed := 0
	deps.UsageBlock = func() UsageBlock {
		return UsageBlock{Blocked: blocked, Message: "daily limit reached"}
	}
	deps.DialLive = func(ctx context.Context, _ live.Config) (LiveChannel, error) {
		dialed++
		return ch, nil
	}
	s, err := NewSession(deps)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if dialed != 0 {
		t.Fatalf("dialed %d times while blocked, want 0", dialed)
	}
	snap := s.Snapshot()
	if snap.Alert == nil || snap.Alert.Message != "daily limit reached" {
		t.Fatalf("alert = %+v", snap.Alert)
	}

	s.DismissAlert()
	if s.Snapshot().Alert != nil {
		t.Fatalf("alert survived dismissal")
	}
	// A later start attempt while still blocked re-raises it.
	_ = s.Start(context.Background())
	if s.Snapshot().Alert == nil {
		t.Fatalf("alert not re-raised on blocked restart")
	}

	blocked = false
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unblocked Start: %v", err)
	}
	if dialed != 1 {
		t.Fatalf("dialed %d times after unblock, want 1", dialed)
	}
}

func TestUnlimitedAccountBypassesBlock(t *testing.T) {
	ch := newFakeChannel()
	deps := liveDeps(t, ch)
	deps.UsageBlock = func() UsageBlock { return UsageBlock{Blocked: true, Message: "limit"} }
	deps.Prefs = &companion.Preferences{Tier: companion.TierPremium}
	s, err := NewSession(deps)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Status(); got != StatusListening {
		t.Fatalf("status = %q, want listening (premium bypasses block)", got)
	}
}

func TestLiveMissingCredential(t *testing.T) {
	ch := newFakeChannel()
	deps := liveDeps(t, ch)
	deps.Config.GeminiAPIKey = ""
	s, err := NewSession(deps)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("Start succeeded without credential")
	}
	snap := s.Snapshot()
	if snap.Status != StatusError || snap.ErrorText == "" {
		t.Fatalf("snapshot = %+v, want error status with message", snap)
	}

	// A fresh start attempt clears the error.
	deps2 := liveDeps(t, newFakeChannel())
	s.deps.Config = deps2.Config
	s.deps.DialLive = deps2.DialLive
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("recovery Start: %v", err)
	}
	if got := s.Snapshot(); got.Status != StatusListening || got.ErrorText != "" {
		t.Fatalf("after recovery: %+v", got)
	}
}

func TestTranscriptUpdatesLastHeard(t *testing.T) {
	ch := newFakeChannel()
	s, err := NewSession(liveDeps(t, ch))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.push(live.Message{Content: &live.ServerContent{
		InputTranscription: &live.Transcription{Text: "sunai de raha hai"},
	}})
	waitFor(t, "transcript", func() bool {
		return s.Snapshot().LastHeard == "sunai de raha hai"
	})
}

type scriptedRecognizer struct {
	mu    sync.Mutex
	turns [][]speech.Result
}

func (r *scriptedRecognizer) Start(ctx context.Context) (<-chan speech.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(chan speech.Result, 8)
	if len(r.turns) == 0 {
		close(out)
		return out, nil
	}
	turn := r.turns[0]
	r.turns = r.turns[1:]
	for _, res := range turn {
		out <- res
	}
	close(out)
	return out, nil
}

func (r *scriptedRecognizer) Abort() error { return nil }
func (r *scriptedRecognizer) Close() error { return nil }

type scriptedSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (s *scriptedSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	return nil
}
func (s *scriptedSpeaker) Cancel()      {}
func (s *scriptedSpeaker) Close() error { return nil }

func (s *scriptedSpeaker) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

func TestFallbackTurn(t *testing.T) {
	var mu sync.Mutex
	var msgs []companion.Message
	var sentText string
	var sentDuration int

	rec := &scriptedRecognizer{turns: [][]speech.Result{{
		{Text: "kya"},
		{Text: "kya haal hai"},
		{Text: "kya haal hai", Final: true},
	}}}
	speaker := &scriptedSpeaker{}

	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	now := base
	s, err := NewSession(Deps{
		Config:     config.Config{InputSampleRate: 16000, HistoryLimit: 2},
		Logger:     discardLogger(),
		Source:     &idleSource{},
		Recognizer: rec,
		Speaker:    speaker,
		Messages: func() []companion.Message {
			mu.Lock()
			defer mu.Unlock()
			out := make([]companion.Message, len(msgs))
			copy(out, msgs)
			return out
		},
		SendMessage: func(ctx context.Context, text string, seconds int) error {
			mu.Lock()
			defer mu.Unlock()
			sentText = text
			sentDuration = seconds
			msgs = append(msgs,
				companion.Message{ID: "u1", Role: companion.RoleUser, Text: text},
				companion.Message{ID: "a1", Role: companion.RoleAssistant, Text: "sab badhiya jaan"},
			)
			return nil
		},
		Now: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	// Pre-seed a message so the auto-starter stays quiet.
	mu.Lock()
	msgs = append(msgs, companion.Message{ID: "m0", Role: companion.RoleUser, Text: "hi"})
	mu.Unlock()

	now = base.Add(3 * time.Second)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "reply read-back", func() bool { return len(speaker.all()) == 1 })
	mu.Lock()
	gotText, gotDuration := sentText, sentDuration
	mu.Unlock()
	if gotText != "kya haal hai" {
		t.Fatalf("sent text = %q", gotText)
	}
	if gotDuration < 1 {
		t.Fatalf("duration = %d, want >= 1", gotDuration)
	}
	if spoken := speaker.all(); spoken[0] != "sab badhiya jaan" {
		t.Fatalf("spoke %q", spoken[0])
	}

	// Second utterance: the already-spoken reply is not repeated.
	waitFor(t, "loop settle", func() bool {
		st := s.Status()
		return st == StatusIdle || st == StatusListening
	})
	if n := len(speaker.all()); n != 1 {
		t.Fatalf("reply spoken %d times, want 1", n)
	}
}

func TestFallbackAutoStarter(t *testing.T) {
	var mu sync.Mutex
	var sent []string

	s, err := NewSession(Deps{
		Config:     config.Config{InputSampleRate: 16000},
		Logger:     discardLogger(),
		Source:     &idleSource{},
		Recognizer: &scriptedRecognizer{},
		Prefs:      &companion.Preferences{Name: "Priya"},
		SendMessage: func(ctx context.Context, text string, seconds int) error {
			mu.Lock()
			sent = append(sent, text)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "auto starter", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	})
	mu.Lock()
	starter := sent[0]
	mu.Unlock()
	if !strings.Contains(starter, "Priya") {
		t.Fatalf("starter = %q, want personalized greeting", starter)
	}

	// Restarting never repeats the starter.
	waitFor(t, "loop exit", func() bool { return s.Status() == StatusIdle })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	n := len(sent)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("starter sent %d times, want 1", n)
	}
}

func TestFallbackSendFailure(t *testing.T) {
	rec := &scriptedRecognizer{turns: [][]speech.Result{{
		{Text: "hello", Final: true},
	}}}
	s, err := NewSession(Deps{
		Config:     config.Config{InputSampleRate: 16000},
		Logger:     discardLogger(),
		Source:     &idleSource{},
		Recognizer: rec,
		Messages: func() []companion.Message {
			return []companion.Message{{ID: "m0", Role: companion.RoleUser, Text: "hi"}}
		},
		SendMessage: func(ctx context.Context, text string, seconds int) error {
			return fmt.Errorf("backend down")
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "error status", func() bool { return s.Status() == StatusError })
	if snap := s.Snapshot(); !strings.Contains(snap.ErrorText, "backend down") {
		t.Fatalf("error text = %q", snap.ErrorText)
	}
}
