package playback

import (
	"fmt"
	"log/slog"
	"sync"
)

// Device is a mono 16kHz 16-bit PCM sink. Write may block while the device
// buffer is full; Flush discards everything buffered but not yet played.
type Device interface {
	Start() error
	Write(pcm []int16) error
	Flush()
	Stop() error
}

// Chunk is one unit of turn audio in arrival order.
type Chunk struct {
	Data   []byte
	Format string
}

// Engine plays an ordered queue of chunks for the current turn. Stop discards
// all queued and in-flight audio immediately; a chunk from before Stop never
// begins playing after Stop returns.
type Engine struct {
	device Device
	dec    Decoder
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Chunk
	playing bool
	gen     uint64
	started bool
	closed  bool
	onDrain func()

	wg sync.WaitGroup
}

func NewEngine(device Device, dec Decoder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		device: device,
		dec:    dec,
		logger: logger.With("component", "playback"),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// OnDrain registers a callback fired when the queue runs empty after audio
// was playing. Must be set before Start.
func (e *Engine) OnDrain(fn func()) {
	e.onDrain = fn
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if e.closed {
		return fmt.Errorf("playback engine closed")
	}
	if err := e.device.Start(); err != nil {
		return fmt.Errorf("open playback device: %w", err)
	}
	e.started = true
	e.wg.Add(1)
	go e.playLoop()
	return nil
}

// Enqueue appends a chunk; playback starts immediately if the device is idle.
func (e *Engine) Enqueue(chunk Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed {
		return
	}
	e.queue = append(e.queue, chunk)
	e.cond.Signal()
}

// Stop halts output at once and discards all queued and in-flight audio.
// Idempotent, safe from any state. A subsequent Enqueue starts a fresh
// stream with no residual audio.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.gen++
	e.queue = nil
	e.playing = false
	e.mu.Unlock()

	e.device.Flush()
}

func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing || len(e.queue) > 0
}

// Close shuts the player loop down and releases the device.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = nil
	e.gen++
	e.cond.Broadcast()
	started := e.started
	e.mu.Unlock()

	e.device.Flush()
	if started {
		e.wg.Wait()
	}
	return e.device.Stop()
}

func (e *Engine) playLoop() {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		chunk := e.queue[0]
		e.queue = e.queue[1:]
		gen := e.gen
		e.playing = true
		e.mu.Unlock()

		pcm, err := e.dec.Decode(chunk.Data, chunk.Format)
		if err != nil {
			// best-effort playback: a bad chunk is skipped, the
			// rest of the queue still plays
			e.logger.Warn("skipping undecodable chunk", "format", chunk.Format, "error", err)
			pcm = nil
		}

		if pcm != nil && e.currentGen(gen) {
			if err := e.device.Write(pcm); err != nil {
				e.logger.Error("playback write failed", "error", err)
			}
		}

		e.mu.Lock()
		if gen == e.gen && len(e.queue) == 0 && e.playing {
			e.playing = false
			onDrain := e.onDrain
			e.mu.Unlock()
			if onDrain != nil {
				onDrain()
			}
			continue
		}
		e.mu.Unlock()
	}
}

func (e *Engine) currentGen(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen
}
