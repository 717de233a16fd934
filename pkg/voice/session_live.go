package voice

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/kanchana-labs/voicepipe/pkg/companion"
	"github.com/kanchana-labs/voicepipe/pkg/voice/capture"
	"github.com/kanchana-labs/voicepipe/pkg/voice/live"
	"github.com/kanchana-labs/voicepipe/pkg/voice/pcm"
	"github.com/kanchana-labs/voicepipe/pkg/voice/playback"
)

// gatedSender drops frames while the usage block is active. Blocking is a
// state, not an error; capture keeps running and resumes when unblocked.
type gatedSender struct {
	session *Session
	channel LiveChannel
}

func (g *gatedSender) SendAudioFrame(data, mimeType string) error {
	if g.session.effectiveBlock().Blocked {
		return nil
	}
	return g.channel.SendAudioFrame(data, mimeType)
}

func (s *Session) startLive(ctx context.Context) error {
	cfg := s.deps.Config
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		token := s.beginActivation()
		s.fail(token, "live voice credential is not configured")
		return ErrNotConfigured
	}
	if s.deps.Sink == nil {
		token := s.beginActivation()
		s.fail(token, "no audio output available")
		return ErrNotConfigured
	}

	s.mu.Lock()
	if s.connecting || s.liveHandle != nil {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.activation = uuid.New()
	token := s.activation
	s.status = StatusProcessing
	s.mu.Unlock()

	prefs := s.deps.Prefs
	instruction := companion.BuildSystemInstruction(companion.SystemInstructionInput{
		Mode:      prefsMode(prefs),
		UserName:  prefsName(prefs),
		IsPremium: s.unlimited(),
	})

	channel, err := s.deps.DialLive(ctx, live.Config{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.LiveModel,
		BaseWSURL:         cfg.LiveWSURL,
		VoiceName:         cfg.VoiceName,
		SystemInstruction: instruction,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		PrefixPaddingMS:   cfg.PrefixPaddingMS,
		SilenceDurationMS: cfg.SilenceDurationMS,
	})

	s.mu.Lock()
	s.connecting = false
	if s.closed || token != s.activation {
		s.mu.Unlock()
		if channel != nil {
			_ = channel.Close()
		}
		return nil
	}
	if err != nil {
		s.status = StatusError
		s.errText = "could not connect live session: " + err.Error()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &liveHandle{channel: channel, cancel: cancel}

	handle.queue = playback.NewQueue(playback.Options{
		Sink:    s.deps.Sink,
		Blocked: func() bool { return s.effectiveBlock().Blocked },
		OnSpeaking: func() {
			s.setStatusIf(token, StatusSpeaking)
		},
		OnDrained: func() {
			s.mu.Lock()
			if !s.closed && token == s.activation && s.status == StatusSpeaking {
				s.status = StatusListening
			}
			s.mu.Unlock()
		},
		OnError: func(err error) {
			s.fail(token, "audio playback failed: "+err.Error())
		},
	})

	pipeline, err := capture.NewPipeline(capture.Options{
		Source:       s.deps.Source,
		Sender:       &gatedSender{session: s, channel: channel},
		Logger:       s.log,
		TargetRate:   cfg.InputSampleRate,
		NoiseGateRMS: cfg.NoiseGateRMS,
		OnLevel: func(level int) {
			s.mu.Lock()
			if !s.closed && token == s.activation {
				s.micLevel = level
			}
			s.mu.Unlock()
		},
	})
	if err != nil {
		cancel()
		_ = channel.Close()
		s.fail(token, "could not start microphone: "+err.Error())
		return err
	}
	handle.pipeline = pipeline

	s.mu.Lock()
	if s.closed || token != s.activation {
		s.mu.Unlock()
		cancel()
		_ = pipeline.Close()
		_ = channel.Close()
		return nil
	}
	s.liveHandle = handle
	s.mu.Unlock()

	s.seedConversation(runCtx, channel)

	go func() {
		if err := pipeline.Run(runCtx); err != nil {
			s.fail(token, "microphone capture stopped: "+err.Error())
		}
	}()
	go s.liveReadLoop(runCtx, token, handle)

	s.setStatusIf(token, StatusListening)
	return nil
}

// seedConversation sends the history recap as leading context and, once per
// controller lifetime, the synthetic greeting starter.
func (s *Session) seedConversation(ctx context.Context, channel LiveChannel) {
	history := s.deps.Messages()
	recap := companion.BuildRecentHistoryText(history, s.deps.Config.HistoryLimit)
	if recap != "" {
		err := channel.SendTurns(ctx, []live.Content{{
			Role:  "user",
			Parts: []live.Part{{Text: recap}},
		}}, false)
		if err != nil {
			s.log.Warn("history recap send failed", "err", err)
		}
	}

	s.mu.Lock()
	sendStarter := len(history) == 0 && !s.starterSent
	if sendStarter {
		s.starterSent = true
	}
	s.mu.Unlock()
	if !sendStarter {
		return
	}
	starter := companion.StarterPrompt(prefsName(s.deps.Prefs))
	err := channel.SendTurns(ctx, []live.Content{{
		Role:  "user",
		Parts: []live.Part{{Text: starter}},
	}}, true)
	if err != nil {
		s.log.Warn("starter send failed", "err", err)
	}
}

func (s *Session) liveReadLoop(ctx context.Context, token uuid.UUID, handle *liveHandle) {
	for msg := range handle.channel.Messages() {
		if !s.tokenCurrent(token) {
			return
		}
		if msg.Err != "" {
			s.fail(token, "live session error: "+msg.Err)
			continue
		}
		if msg.Usage != nil {
			s.log.Debug("live usage",
				"prompt", msg.Usage.PromptTokenCount,
				"response", msg.Usage.ResponseTokenCount,
				"total", msg.Usage.TotalTokenCount)
		}
		if msg.Content == nil {
			continue
		}
		sc := msg.Content

		if sc.InputTranscription != nil {
			if text := strings.TrimSpace(sc.InputTranscription.Text); text != "" {
				s.mu.Lock()
				if !s.closed && token == s.activation {
					s.lastHeard = text
				}
				s.mu.Unlock()
			}
		}

		if sc.Interrupted {
			handle.queue.Clear()
			s.setStatusIf(token, StatusListening)
			continue
		}

		enqueued := false
		for _, blob := range sc.AudioParts() {
			samples, err := pcm.DecodeBase64(blob.Data)
			if err != nil {
				s.fail(token, "audio chunk decode failed: "+err.Error())
				continue
			}
			handle.queue.Enqueue(playback.Chunk{
				PCM:        samples,
				SampleRate: pcm.ParseSampleRate(blob.MimeType),
			})
			enqueued = true
		}
		if enqueued {
			go handle.queue.Drain(ctx)
		}

		if sc.TurnComplete && handle.queue.Len() == 0 && !handle.queue.Draining() {
			s.setStatusIf(token, StatusListening)
		}
	}

	// Channel is gone. Intentional closure is silent; anything else
	// reverts to idle and surfaces the remote reason when supplied.
	if handle.isIntentional() || !s.tokenCurrent(token) {
		return
	}
	reason := handle.channel.CloseReason()
	s.mu.Lock()
	if !s.closed && token == s.activation {
		if s.status != StatusError {
			s.status = StatusIdle
			if reason != "" {
				s.errText = "live session closed: " + reason
			}
		}
		s.micLevel = 0
		s.liveHandle = nil
	}
	s.mu.Unlock()
	handle.cancel()
	_ = handle.pipeline.Close()
}

func (s *Session) stopLive() {
	s.mu.Lock()
	handle := s.liveHandle
	s.liveHandle = nil
	if handle != nil {
		// Invalidate the activation before teardown so late callbacks
		// from this session are rejected.
		s.activation = uuid.New()
	}
	s.mu.Unlock()
	if handle == nil {
		return
	}

	handle.markIntentional()
	_ = handle.channel.SendAudioStreamEnd()
	_ = handle.channel.Close()
	handle.cancel()
	_ = handle.pipeline.Close()
	handle.queue.Clear()

	s.mu.Lock()
	if s.status != StatusError {
		s.status = StatusIdle
	}
	s.micLevel = 0
	s.lastHeard = ""
	s.mu.Unlock()
}

// beginActivation mints a fresh token for a start attempt that fails before
// any handle exists, so the failure lands on a current activation.
func (s *Session) beginActivation() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activation = uuid.New()
	return s.activation
}

func prefsMode(p *companion.Preferences) companion.Mode {
	if p == nil {
		return companion.ModeLovely
	}
	return p.Mode
}

func prefsName(p *companion.Preferences) string {
	if p == nil {
		return ""
	}
	return p.Name
}
