package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kanchana-labs/voicepipe/pkg/voice/pcm"
)

// ffmpegMicSource captures mono PCM16 from the default microphone via an
// ffmpeg subprocess and hands out fixed-size float32 blocks.
type ffmpegMicSource struct {
	rate      int
	blockSize int

	mu     sync.Mutex
	cmd    *exec.Cmd
	reader *bufio.Reader
	closed bool
}

func newFFmpegMicSource(micCmd string, rate, blockSize int) (*ffmpegMicSource, error) {
	var cmd *exec.Cmd
	if strings.TrimSpace(micCmd) != "" {
		cmd = exec.Command("/bin/sh", "-lc", micCmd)
	} else {
		args := []string{
			"-hide_banner",
			"-loglevel", "error",
		}
		switch runtime.GOOS {
		case "darwin":
			// `none:0` avoids opening a video device/camera.
			args = append(args, "-f", "avfoundation", "-i", "none:0")
		default:
			args = append(args, "-f", "pulse", "-i", "default")
		}
		args = append(args,
			"-ac", "1",
			"-ar", fmt.Sprintf("%d", rate),
			"-f", "s16le",
			"-",
		)
		cmd = exec.Command("ffmpeg", args...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start microphone capture: %w", err)
	}

	return &ffmpegMicSource{
		rate:      rate,
		blockSize: blockSize,
		cmd:       cmd,
		reader:    bufio.NewReaderSize(stdout, 64*1024),
	}, nil
}

func (s *ffmpegMicSource) Read(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := make([]byte, s.blockSize*2)
	if _, err := io.ReadFull(s.reader, raw); err != nil {
		return nil, fmt.Errorf("read microphone: %w", err)
	}
	block := make([]float32, s.blockSize)
	for i := range block {
		sample := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		block[i] = float32(pcm.PCM16ToFloat(sample))
	}
	return block, nil
}

func (s *ffmpegMicSource) SampleRate() int { return s.rate }

func (s *ffmpegMicSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	return nil
}

// ffplaySink plays PCM through an ffplay subprocess. Play paces itself by
// chunk duration so callers observe real playback time; ffplay restarts when
// the sample rate changes mid-stream.
type ffplaySink struct {
	path   string
	volume int

	mu    sync.Mutex
	rate  int
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFplaySink(path string, volume int) *ffplaySink {
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	if volume <= 0 {
		volume = 80
	}
	return &ffplaySink{path: path, volume: volume}
}

func (s *ffplaySink) ensureRunning(rate int) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil && s.rate == rate {
		return s.stdin, nil
	}
	s.closeLocked()

	// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout mono`.
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-volume", fmt.Sprintf("%d", s.volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", rate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may pick a silent dummy backend on macOS; prefer CoreAudio.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start speaker: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.rate = rate
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return stdin, nil
}

func (s *ffplaySink) Play(ctx context.Context, samples []float32, rate int) error {
	if len(samples) == 0 {
		return nil
	}
	stdin, err := s.ensureRunning(rate)
	if err != nil {
		return err
	}

	raw := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(pcm.FloatToPCM16(float64(v))))
	}
	if _, err := stdin.Write(raw); err != nil {
		return fmt.Errorf("write speaker: %w", err)
	}

	// ffplay buffers internally; wait out the chunk duration so playback
	// completion is observable upstream.
	wait := time.Duration(len(samples)) * time.Second / time.Duration(rate)
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ffplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *ffplaySink) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	s.cmd = nil
	s.rate = 0
}
