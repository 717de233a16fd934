// Package config loads voice pipeline settings from the environment.
// Bounded numeric settings are clamped into their documented range rather
// than rejected; a wildly wrong value degrades quality but never blocks a
// session from starting.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Defaults and clamp bounds for the tunable settings.
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultCaptureBlockSize = 1024

	DefaultNoiseGateRMS = 0.01
	MinNoiseGateRMS     = 0.0
	MaxNoiseGateRMS     = 0.2

	DefaultPrefixPaddingMS = 80
	MinPrefixPaddingMS     = 0
	MaxPrefixPaddingMS     = 1000

	DefaultSilenceDurationMS = 120
	MinSilenceDurationMS     = 80
	MaxSilenceDurationMS     = 2000

	DefaultHistoryLimit = 2
	MinHistoryLimit     = 1
	MaxHistoryLimit     = 4

	DefaultMaxOutputTokens = 90
	MinMaxOutputTokens     = 32
	MaxMaxOutputTokens     = 220
)

type Config struct {
	// Live channel.
	GeminiAPIKey string
	LiveModel    string
	LiveWSURL    string
	VoiceName    string

	// Fallback recognition and read-back.
	DeepgramAPIKey    string
	DeepgramWSURL     string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsWSURL   string
	Language          string

	// Audio plumbing.
	InputSampleRate  int
	OutputSampleRate int
	CaptureBlockSize int

	// Tuning (clamped).
	NoiseGateRMS      float64
	PrefixPaddingMS   int
	SilenceDurationMS int
	HistoryLimit      int
	MaxOutputTokens   int
}

// LoadFromEnv reads VOICEPIPE_* variables. Missing or malformed values fall
// back to defaults; bounded values are clamped. It never fails: key presence
// is validated where the key is used, since live and fallback need different
// credentials.
func LoadFromEnv() Config {
	return Config{
		GeminiAPIKey: envOr("VOICEPIPE_GEMINI_API_KEY", ""),
		LiveModel:    envOr("VOICEPIPE_LIVE_MODEL", "models/gemini-2.0-flash-live-001"),
		LiveWSURL:    envOr("VOICEPIPE_LIVE_WS_URL", ""),
		VoiceName:    envOr("VOICEPIPE_VOICE_NAME", "Aoede"),

		DeepgramAPIKey:    envOr("VOICEPIPE_DEEPGRAM_API_KEY", ""),
		DeepgramWSURL:     envOr("VOICEPIPE_DEEPGRAM_WS_URL", ""),
		ElevenLabsAPIKey:  envOr("VOICEPIPE_ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: envOr("VOICEPIPE_ELEVENLABS_VOICE_ID", ""),
		ElevenLabsWSURL:   envOr("VOICEPIPE_ELEVENLABS_WS_URL", ""),
		Language:          envOr("VOICEPIPE_LANGUAGE", "hi"),

		InputSampleRate:  DefaultInputSampleRate,
		OutputSampleRate: DefaultOutputSampleRate,
		CaptureBlockSize: DefaultCaptureBlockSize,

		NoiseGateRMS:      envBoundedFloat("VOICEPIPE_NOISE_GATE_RMS", DefaultNoiseGateRMS, MinNoiseGateRMS, MaxNoiseGateRMS),
		PrefixPaddingMS:   envBoundedInt("VOICEPIPE_PREFIX_PADDING_MS", DefaultPrefixPaddingMS, MinPrefixPaddingMS, MaxPrefixPaddingMS),
		SilenceDurationMS: envBoundedInt("VOICEPIPE_SILENCE_DURATION_MS", DefaultSilenceDurationMS, MinSilenceDurationMS, MaxSilenceDurationMS),
		HistoryLimit:      envBoundedInt("VOICEPIPE_HISTORY_LIMIT", DefaultHistoryLimit, MinHistoryLimit, MaxHistoryLimit),
		MaxOutputTokens:   envBoundedInt("VOICEPIPE_MAX_OUTPUT_TOKENS", DefaultMaxOutputTokens, MinMaxOutputTokens, MaxMaxOutputTokens),
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoundedInt(key string, def, lo, hi int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return clampInt(n, lo, hi)
}

func envBoundedFloat(key string, def, lo, hi float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return clampFloat(n, lo, hi)
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func clampFloat(n, lo, hi float64) float64 {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
