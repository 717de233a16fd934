// Package playback serializes decoded audio chunks into a single ordered
// output stream. Chunks may arrive much faster than real time; the drain loop
// plays them strictly FIFO, one at a time, waiting for each to finish before
// starting the next.
package playback

import (
	"context"
	"sync"

	"github.com/kanchana-labs/voicepipe/pkg/voice/pcm"
)

// Chunk is one decoded inbound audio segment. Ownership transfers to the
// drain loop on dequeue; producers must not retain the PCM slice.
type Chunk struct {
	PCM        []int16
	SampleRate int
}

// Sink is the audio output. Play blocks until the chunk has finished playing
// (or ctx is cancelled) so the queue can guarantee no overlap. Implementations
// may lazily open and reuse an output device sized to the chunk's rate.
type Sink interface {
	Play(ctx context.Context, samples []float32, sampleRate int) error
	Close() error
}

// Queue is the ordered buffer plus its exclusive drain loop.
//
// Enqueue never blocks and is safe to call from the inbound message handler.
// Drain is re-entrant-guarded: concurrent calls while a drain is running are
// no-ops, so a burst of inbound messages triggers exactly one loop.
type Queue struct {
	mu       sync.Mutex
	items    []Chunk
	draining bool

	sink    Sink
	blocked func() bool

	onSpeaking func()
	onDrained  func()
	onError    func(error)
}

// Options configures a Queue. All callbacks are optional; Blocked defaults to
// never blocked.
type Options struct {
	Sink    Sink
	Blocked func() bool

	// OnSpeaking fires just before the first sample of each chunk.
	OnSpeaking func()
	// OnDrained fires only when the loop exits because the queue is empty.
	// Blocked or cancelled exits with chunks still queued do not fire it.
	OnDrained func()
	// OnError fires once when a chunk fails to play; the loop then exits.
	OnError func(error)
}

func NewQueue(opts Options) *Queue {
	blocked := opts.Blocked
	if blocked == nil {
		blocked = func() bool { return false }
	}
	return &Queue{
		sink:       opts.Sink,
		blocked:    blocked,
		onSpeaking: opts.OnSpeaking,
		onDrained:  opts.OnDrained,
		onError:    opts.OnError,
	}
}

// Enqueue appends a chunk. Empty chunks are dropped.
func (q *Queue) Enqueue(chunk Chunk) {
	if len(chunk.PCM) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, chunk)
	q.mu.Unlock()
}

// Len reports the number of queued, not-yet-played chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all unplayed chunks. A chunk already handed to the sink is
// not cancelled; it finishes on its own (accepted residual audio on
// interruption).
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Drain runs the playback loop until the queue is empty, the usage block
// activates, ctx is cancelled, or a chunk fails. Only one loop runs at a
// time; extra calls return immediately.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	var emptied, failed bool
	defer func() {
		_ = failed
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
		if emptied && q.onDrained != nil {
			q.onDrained()
		}
	}()

	for {
		if ctx.Err() != nil || q.blocked() {
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			emptied = true
			return
		}
		chunk := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if q.onSpeaking != nil {
			q.onSpeaking()
		}

		rate := chunk.SampleRate
		if rate < 8000 {
			rate = pcm.DefaultOutputRate
		}
		samples := pcm.PCM16ToFloat32Buffer(chunk.PCM)
		if err := q.sink.Play(ctx, samples, rate); err != nil {
			failed = true
			if q.onError != nil {
				q.onError(err)
			}
			return
		}
	}
}

// Draining reports whether a drain loop is currently running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}
