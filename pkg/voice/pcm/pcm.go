// Package pcm holds the pure sample-format helpers shared by the capture and
// playback halves of the voice pipeline: float/int16 conversion, bucket-average
// resampling, RMS, and the base64 framing used on the live channel. Everything
// here is deterministic and allocation-only — no I/O, no audio hardware.
package pcm

import (
	"encoding/base64"
	"math"
	"regexp"
	"strconv"
)

// DefaultOutputRate is assumed for inbound audio whose mime type carries no
// parseable rate.
const DefaultOutputRate = 24000

var rateRe = regexp.MustCompile(`(?i)rate=(\d+)`)

// FloatToPCM16 converts one float sample in [-1, 1] to a signed 16-bit sample.
// Negative values scale by 0x8000 and non-negative by 0x7fff so the full
// asymmetric PCM16 range is used.
func FloatToPCM16(v float64) int16 {
	if v < -1 {
		v = -1
	} else if v > 1 {
		v = 1
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7fff)
}

// PCM16ToFloat converts a signed 16-bit sample to a float in [-1, 1].
func PCM16ToFloat(s int16) float64 {
	v := float64(s) / 0x8000
	if v < -1 {
		v = -1
	} else if v > 1 {
		v = 1
	}
	return v
}

// PCM16ToFloat32Buffer converts a whole PCM16 buffer for playback scheduling.
func PCM16ToFloat32Buffer(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(PCM16ToFloat(s))
	}
	return out
}

// RMS returns the root-mean-square of a float sample block, 0 for an empty
// block. It is the loudness proxy behind the capture noise gate.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Resample converts float samples at inputRate to PCM16 at outputRate.
//
// When the rates match each sample is converted directly. Otherwise output
// slot i averages the input samples that fall in its time bucket, tracked by a
// running fractional cursor — cheap and good enough for speech. Non-empty
// input always yields at least one output sample; empty input yields none.
func Resample(input []float32, inputRate, outputRate int) []int16 {
	if len(input) == 0 {
		return nil
	}
	if outputRate <= 0 {
		outputRate = DefaultOutputRate
	}
	if inputRate <= 0 {
		inputRate = outputRate
	}

	if inputRate == outputRate {
		out := make([]int16, len(input))
		for i, s := range input {
			out[i] = FloatToPCM16(float64(s))
		}
		return out
	}

	ratio := float64(inputRate) / float64(outputRate)
	outLen := int(math.Round(float64(len(input)) / ratio))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]int16, outLen)

	srcOffset := 0
	for i := 0; i < outLen; i++ {
		nextOffset := int(math.Round(float64(i+1) * ratio))
		limit := nextOffset
		if limit > len(input) {
			limit = len(input)
		}
		var accum float64
		count := 0
		for j := srcOffset; j < limit; j++ {
			accum += float64(input[j])
			count++
		}
		var sample float64
		if count > 0 {
			sample = accum / float64(count)
		} else {
			idx := srcOffset
			if idx > len(input)-1 {
				idx = len(input) - 1
			}
			sample = float64(input[idx])
		}
		out[i] = FloatToPCM16(sample)
		srcOffset = nextOffset
	}
	return out
}

// EncodeBase64 renders a PCM16 buffer as standard base64 of its little-endian
// bytes, the framing the live channel expects.
func EncodeBase64(pcm []int16) string {
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(uint16(s) >> 8)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeBase64 decodes standard base64 into a PCM16 buffer. A trailing odd
// byte cannot form a 16-bit sample and is dropped rather than rejected.
func DecodeBase64(data string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	n := len(raw) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
	}
	return out, nil
}

// ParseSampleRate extracts the rate parameter from a mime type such as
// "audio/pcm;rate=24000". Absent or unparseable rates fall back to the
// default output rate.
func ParseSampleRate(mimeType string) int {
	m := rateRe.FindStringSubmatch(mimeType)
	if len(m) != 2 {
		return DefaultOutputRate
	}
	rate, err := strconv.Atoi(m[1])
	if err != nil || rate <= 0 {
		return DefaultOutputRate
	}
	return rate
}
