// Package speech provides the turn-based recognition and text-to-speech
// clients used by the fallback voice strategy.
package speech

import "context"

// Result is one recognition update for the current utterance. Interim
// results carry the best transcript so far; the final result ends the turn.
type Result struct {
	Text  string
	Final bool
}

// Recognizer captures a single user utterance per Start call. The returned
// channel delivers interim results followed by at most one final result, then
// closes. Abort ends the utterance early without a final result.
type Recognizer interface {
	Start(ctx context.Context) (<-chan Result, error)
	Abort() error
	Close() error
}

// Speaker reads assistant text back as audio. Speak blocks until the
// utterance has fully played or is cancelled; Cancel replaces any in-flight
// utterance so read-backs never overlap.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Cancel()
	Close() error
}
