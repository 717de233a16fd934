// Command voicepipe is a headless voice session client: it wires a real
// microphone and speaker to the session controller and renders the status
// line a UI would show.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kanchana-labs/voicepipe/internal/dotenv"
	"github.com/kanchana-labs/voicepipe/pkg/companion"
	"github.com/kanchana-labs/voicepipe/pkg/voice"
	"github.com/kanchana-labs/voicepipe/pkg/voice/config"
	"github.com/kanchana-labs/voicepipe/pkg/voice/speech"
)

type options struct {
	live       bool
	micCmd     string
	ffplayPath string
	volume     int
	userName   string
	mode       string
	debug      bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voicepipe:", err)
		os.Exit(1)
	}
}

func run() error {
	var opt options
	flag.BoolVar(&opt.live, "live", true, "Use the live duplex strategy (false: turn-based recognition)")
	flag.StringVar(&opt.micCmd, "mic-cmd", "", "Shell command producing s16le mono PCM on stdout (default: ffmpeg default mic)")
	flag.StringVar(&opt.ffplayPath, "ffplay-path", "ffplay", "Path to ffplay executable")
	flag.IntVar(&opt.volume, "volume", 80, "Speaker volume 0..100")
	flag.StringVar(&opt.userName, "name", "", "Display name used for greeting personalization")
	flag.StringVar(&opt.mode, "mode", string(companion.ModeLovely), "Companion mode")
	flag.BoolVar(&opt.debug, "debug", false, "Verbose logging")
	flag.Parse()

	if cwd, err := os.Getwd(); err == nil {
		dotenv.LoadFromAncestors(cwd, 8)
	}
	cfg := config.LoadFromEnv()

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	source, err := newFFmpegMicSource(opt.micCmd, cfg.InputSampleRate, cfg.CaptureBlockSize)
	if err != nil {
		return err
	}
	defer source.Close()
	sink := newFFplaySink(opt.ffplayPath, opt.volume)
	defer sink.Close()

	prefs := &companion.Preferences{
		Name: strings.TrimSpace(opt.userName),
		Mode: companion.Mode(opt.mode),
	}

	history := &historyLog{}
	deps := voice.Deps{
		Config:      cfg,
		Logger:      logger,
		LiveEnabled: opt.live,
		Source:      source,
		Sink:        sink,
		Prefs:       prefs,
		Messages:    history.all,
		SendMessage: history.send,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !opt.live {
		rec, err := speech.NewDeepgramRecognizer(speech.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			BaseWSURL: cfg.DeepgramWSURL,
			Language:  cfg.Language,
			Source:    source,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		deps.Recognizer = rec

		if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
			speaker, err := speech.NewElevenLabsSpeaker(ctx, speech.ElevenLabsConfig{
				APIKey:    cfg.ElevenLabsAPIKey,
				VoiceID:   cfg.ElevenLabsVoiceID,
				BaseWSURL: cfg.ElevenLabsWSURL,
				Sink:      sink,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			deps.Speaker = speaker
		}
	}

	session, err := voice.NewSession(deps)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		return err
	}
	logger.Info("voice session started", "live", opt.live)

	renderStatus(ctx, session)

	logger.Info("shutting down")
	session.Stop()
	return nil
}

// renderStatus prints the status line whenever the snapshot changes, until
// the context is cancelled.
func renderStatus(ctx context.Context, session *voice.Session) {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	var last voice.Snapshot
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-ticker.C:
		}
		snap := session.Snapshot()
		if snap.Status == last.Status && snap.ErrorText == last.ErrorText &&
			snap.LastHeard == last.LastHeard && snap.MicLevel == last.MicLevel &&
			(snap.Alert == nil) == (last.Alert == nil) {
			continue
		}
		last = snap

		line := fmt.Sprintf("[%s] mic=%3d", snap.Status, snap.MicLevel)
		if snap.LastHeard != "" {
			line += " heard: " + snap.LastHeard
		}
		if snap.ErrorText != "" {
			line += " error: " + snap.ErrorText
		}
		if snap.Alert != nil {
			line += " alert: " + snap.Alert.Message
		}
		fmt.Printf("\r\033[K%s", line)
	}
}

// historyLog is the CLI's in-memory stand-in for the chat backend; sent
// transcripts are recorded and echoed so the session loop stays exercised.
type historyLog struct {
	mu   sync.Mutex
	msgs []companion.Message
}

func (h *historyLog) all() []companion.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]companion.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *historyLog) send(ctx context.Context, text string, seconds int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, companion.Message{
		ID:        uuid.NewString(),
		Role:      companion.RoleUser,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
	fmt.Printf("\n>> sent (%ds): %s\n", seconds, text)
	return nil
}
