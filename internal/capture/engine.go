package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voiceloop/voiceloop/internal/audio"
)

const (
	DefaultThreshold     = 0.02
	DefaultSilenceWindow = time.Second
	DefaultFrameSamples  = 320 // 20ms at 16kHz

	levelPublishRate = 30 // level updates per second, for UI meters
)

// Device is a blocking source of mono 16kHz 16-bit PCM frames. The real
// implementation wraps a miniaudio capture device; tests use a fake.
type Device interface {
	Start() error
	ReadFrame() ([]int16, error)
	Stop() error
}

// Utterance is one complete speech segment detected by the VAD.
type Utterance struct {
	PCM     []byte
	Started time.Time
	Ended   time.Time
}

type Config struct {
	Threshold     float64
	SilenceWindow time.Duration
	FrameSamples  int
}

// Engine reads fixed-size frames from the capture device on a dedicated
// goroutine and segments them into utterances with energy-based endpointing.
type Engine struct {
	device Device
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	onLevel    func(float64)
	onError    func(error)
	levelLimit *rate.Limiter
}

func NewEngine(device Device, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = DefaultFrameSamples
	}
	return &Engine{
		device:     device,
		cfg:        cfg,
		logger:     logger.With("component", "capture"),
		levelLimit: rate.NewLimiter(rate.Limit(levelPublishRate), 1),
	}
}

// OnLevel registers a normalized audio level callback for UI meters. It is
// throttled and must be set before Start.
func (e *Engine) OnLevel(fn func(float64)) {
	e.onLevel = fn
}

// OnError registers a callback for device failures mid-capture.
func (e *Engine) OnError(fn func(error)) {
	e.onError = fn
}

// Start opens the device and begins the capture loop. The callback receives
// each completed utterance; capture continues until Stop.
func (e *Engine) Start(onUtterance func(Utterance)) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}

	if err := e.device.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("open capture device: %w", err)
	}

	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	e.wg.Add(1)
	e.mu.Unlock()

	go e.captureLoop(stop, onUtterance)
	return nil
}

// Stop halts the capture loop, releases the device, and discards any
// partial utterance. Safe to call from any state, idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	_ = e.device.Stop()
	e.wg.Wait()
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) captureLoop(stop chan struct{}, onUtterance func(Utterance)) {
	defer e.wg.Done()

	frameDur := time.Duration(e.cfg.FrameSamples) * time.Second / audio.SampleRate

	var (
		voiceActive bool
		buf         []int16
		silence     time.Duration
		startedAt   time.Time
	)

	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, err := e.device.ReadFrame()
		if err != nil {
			select {
			case <-stop:
			default:
				e.logger.Error("capture read failed", "error", err)
				if e.onError != nil {
					e.onError(err)
				}
			}
			return
		}

		energy := audio.Energy(frame)
		e.publishLevel(energy)

		if energy > e.cfg.Threshold {
			if !voiceActive {
				voiceActive = true
				buf = buf[:0]
				startedAt = time.Now()
			}
			silence = 0
			buf = append(buf, frame...)
			continue
		}

		if !voiceActive {
			continue
		}

		// sub-threshold frames inside the silence window still belong
		// to the utterance
		buf = append(buf, frame...)
		silence += frameDur
		if silence < e.cfg.SilenceWindow {
			continue
		}

		voiceActive = false
		silence = 0
		if len(buf) == 0 {
			continue
		}

		utt := Utterance{
			PCM:     audio.Int16ToPCMBytes(buf),
			Started: startedAt,
			Ended:   time.Now(),
		}
		buf = buf[:0]
		e.logger.Debug("utterance detected", "bytes", len(utt.PCM))
		onUtterance(utt)
	}
}

func (e *Engine) publishLevel(level float64) {
	if e.onLevel == nil || !e.levelLimit.Allow() {
		return
	}
	e.onLevel(level)
}
