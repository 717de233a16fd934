// Package capture pulls raw microphone audio, applies the noise gate, and
// forwards gated frames downstream at the model input rate.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/kanchana-labs/voicepipe/pkg/voice/pcm"
)

// Source delivers raw float32 sample blocks at its native rate. Read blocks
// until a full block is available. Implementations own the underlying device
// and release it on Close.
type Source interface {
	Read(ctx context.Context) ([]float32, error)
	SampleRate() int
	Close() error
}

// FrameSender receives gated, resampled frames as base64 PCM16.
// mimeType carries the effective rate, e.g. "audio/pcm;rate=16000".
type FrameSender interface {
	SendAudioFrame(data string, mimeType string) error
}

// Pipeline runs the mic loop: read block, measure level, gate, resample,
// encode, send. Send failures are logged and skipped; the loop keeps running
// so a transient transport hiccup does not kill capture.
type Pipeline struct {
	source  Source
	sender  FrameSender
	log     *slog.Logger
	rate    int
	gateRMS float64
	onLevel func(int)

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

type Options struct {
	Source Source
	Sender FrameSender
	Logger *slog.Logger

	// TargetRate is the model input rate. Defaults to 16000.
	TargetRate int
	// NoiseGateRMS drops blocks whose RMS is strictly below this value.
	NoiseGateRMS float64
	// OnLevel receives the 0..100 mic level for each block, gated or not.
	OnLevel func(int)
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("capture: source is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("capture: sender is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rate := opts.TargetRate
	if rate <= 0 {
		rate = 16000
	}
	return &Pipeline{
		source:  opts.Source,
		sender:  opts.Sender,
		log:     logger,
		rate:    rate,
		gateRMS: opts.NoiseGateRMS,
		onLevel: opts.OnLevel,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Level converts an RMS value to the 0..100 meter shown in the UI.
func Level(rms float64) int {
	return int(math.Min(100, math.Round(rms*300)))
}

// Run consumes the source until ctx is cancelled, Close is called, or the
// source fails. It returns nil on clean shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)
	mimeType := fmt.Sprintf("audio/pcm;rate=%d", p.rate)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.closed:
			return nil
		default:
		}

		block, err := p.source.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-p.closed:
				return nil
			default:
			}
			return fmt.Errorf("capture: read source: %w", err)
		}
		if len(block) == 0 {
			continue
		}

		rms := pcm.RMS(block)
		if p.onLevel != nil {
			p.onLevel(Level(rms))
		}
		if rms < p.gateRMS {
			continue
		}

		samples := pcm.Resample(block, p.source.SampleRate(), p.rate)
		if len(samples) == 0 {
			continue
		}
		if err := p.sender.SendAudioFrame(pcm.EncodeBase64(samples), mimeType); err != nil {
			p.log.Warn("audio frame send failed", "err", err)
		}
	}
}

// Close stops the loop and releases the source. Safe to call more than once
// and from any goroutine; the source is closed exactly once.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.source.Close()
	})
	return err
}

// Done is closed when Run has returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }
