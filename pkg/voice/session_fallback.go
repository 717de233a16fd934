package voice

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/kanchana-labs/voicepipe/pkg/companion"
)

// fallbackLevel is the coarse mic meter for the fallback path. The
// recognizer exposes no amplitude, so transcript length stands in.
func fallbackLevel(transcriptLen int) int {
	level := transcriptLen * 3
	if level < 15 {
		level = 15
	}
	if level > 100 {
		level = 100
	}
	return level
}

func (s *Session) startFallback(ctx context.Context) error {
	if s.deps.Recognizer == nil {
		token := s.beginActivation()
		s.fail(token, "speech recognition is not available")
		return ErrNotConfigured
	}
	if s.deps.SendMessage == nil {
		token := s.beginActivation()
		s.fail(token, "message sending is not available")
		return ErrNotConfigured
	}

	s.mu.Lock()
	if s.fallbackActive {
		s.mu.Unlock()
		return nil
	}
	s.fallbackActive = true
	s.activation = uuid.New()
	token := s.activation
	s.fallbackStart = s.deps.Now()
	s.status = StatusListening
	s.mu.Unlock()

	go s.fallbackLoop(ctx, token)
	return nil
}

func (s *Session) fallbackLoop(ctx context.Context, token uuid.UUID) {
	s.maybeSendStarter(ctx, token)

	for s.tokenCurrent(token) {
		results, err := s.deps.Recognizer.Start(ctx)
		if err != nil {
			if s.tokenCurrent(token) {
				s.fail(token, "speech recognition failed: "+err.Error())
			}
			return
		}

		finalText := ""
		for res := range results {
			if !s.tokenCurrent(token) {
				return
			}
			if res.Final {
				finalText = strings.TrimSpace(res.Text)
				continue
			}
			s.mu.Lock()
			if !s.closed && token == s.activation {
				s.lastHeard = res.Text
				s.micLevel = fallbackLevel(len(res.Text))
			}
			s.mu.Unlock()
		}

		s.mu.Lock()
		if !s.closed && token == s.activation {
			s.micLevel = 0
		}
		s.mu.Unlock()

		if finalText == "" {
			// Recognizer ended without a turn. Unless a reply is being
			// read back, the session goes quiet.
			s.mu.Lock()
			if !s.closed && token == s.activation && s.status != StatusSpeaking {
				s.status = StatusIdle
				s.fallbackActive = false
			}
			s.mu.Unlock()
			return
		}

		if !s.setStatusIf(token, StatusProcessing) {
			return
		}
		s.mu.Lock()
		started := s.fallbackStart
		s.mu.Unlock()
		elapsed := int(s.deps.Now().Sub(started).Seconds())
		if elapsed < 1 {
			elapsed = 1
		}
		if err := s.deps.SendMessage(ctx, finalText, elapsed); err != nil {
			s.fail(token, "message send failed: "+err.Error())
			return
		}
		s.speakLatestReply(ctx, token)

		s.mu.Lock()
		if !s.closed && token == s.activation {
			s.fallbackStart = s.deps.Now()
			s.status = StatusListening
		}
		s.mu.Unlock()
	}
}

// maybeSendStarter performs the one-shot canned greeting through the
// ordinary send path when the conversation is empty.
func (s *Session) maybeSendStarter(ctx context.Context, token uuid.UUID) {
	historyEmpty := len(s.deps.Messages()) == 0
	s.mu.Lock()
	send := historyEmpty && !s.starterSent
	if send {
		s.starterSent = true
	}
	s.mu.Unlock()
	if !send {
		return
	}

	if !s.setStatusIf(token, StatusProcessing) {
		return
	}
	starter := companion.StarterPrompt(prefsName(s.deps.Prefs))
	if err := s.deps.SendMessage(ctx, starter, 0); err != nil {
		s.fail(token, "greeting send failed: "+err.Error())
		return
	}
	s.speakLatestReply(ctx, token)
	s.setStatusIf(token, StatusListening)
}

// speakLatestReply reads back the newest assistant message that has not been
// spoken yet. Any in-flight read-back is cancelled first; utterances never
// overlap.
func (s *Session) speakLatestReply(ctx context.Context, token uuid.UUID) {
	msgs := s.deps.Messages()
	var reply *companion.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == companion.RoleAssistant {
			reply = &msgs[i]
			break
		}
	}
	if reply == nil || strings.TrimSpace(reply.Text) == "" {
		return
	}

	s.mu.Lock()
	if s.closed || token != s.activation || reply.ID == s.lastSpokenID {
		s.mu.Unlock()
		return
	}
	s.lastSpokenID = reply.ID
	s.mu.Unlock()

	if s.deps.Speaker == nil {
		return
	}
	if !s.setStatusIf(token, StatusSpeaking) {
		return
	}
	s.deps.Speaker.Cancel()
	if err := s.deps.Speaker.Speak(ctx, reply.Text); err != nil {
		s.fail(token, "reply read-back failed: "+err.Error())
		return
	}
	s.setStatusIf(token, StatusListening)
}

func (s *Session) stopFallback() {
	s.mu.Lock()
	active := s.fallbackActive
	s.fallbackActive = false
	if active {
		s.activation = uuid.New()
	}
	s.mu.Unlock()
	if !active {
		return
	}

	if s.deps.Recognizer != nil {
		_ = s.deps.Recognizer.Abort()
	}
	if s.deps.Speaker != nil {
		s.deps.Speaker.Cancel()
	}

	s.mu.Lock()
	if s.status != StatusError {
		s.status = StatusIdle
	}
	s.micLevel = 0
	s.lastHeard = ""
	s.mu.Unlock()
}
