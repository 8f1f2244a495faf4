package capture

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voiceloop/voiceloop/internal/audio"
	"github.com/voiceloop/voiceloop/internal/shared"
)

// MalgoDevice adapts a miniaudio capture device to the blocking Device
// interface. The miniaudio callback pushes fixed-size frames into a buffered
// channel that ReadFrame receives from.
type MalgoDevice struct {
	frameSamples int

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	frames  chan []int16
	done    chan struct{}
	pending []int16
	started bool
}

func NewMalgoDevice(frameSamples int) *MalgoDevice {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &MalgoDevice{frameSamples: frameSamples}
}

func (d *MalgoDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", shared.ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = audio.SampleRate
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(d.frameSamples)
	cfg.Periods = 3

	d.frames = make(chan []int16, 64)
	d.done = make(chan struct{})
	d.pending = nil

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * audio.BytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			d.push(audio.PCMBytesToInt16(pInput[:n]))
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		return fmt.Errorf("%w: init capture device: %v", shared.ErrDeviceUnavailable, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return fmt.Errorf("%w: start capture device: %v", shared.ErrDeviceUnavailable, err)
	}

	d.ctx = ctx
	d.device = device
	d.started = true
	return nil
}

// push regroups callback buffers into exact frameSamples-sized frames.
func (d *MalgoDevice) push(samples []int16) {
	d.mu.Lock()
	frames := d.frames
	d.pending = append(d.pending, samples...)
	var out [][]int16
	for len(d.pending) >= d.frameSamples {
		frame := make([]int16, d.frameSamples)
		copy(frame, d.pending[:d.frameSamples])
		d.pending = d.pending[d.frameSamples:]
		out = append(out, frame)
	}
	d.mu.Unlock()

	for _, frame := range out {
		select {
		case frames <- frame:
		default:
			// capture loop fell behind, drop the oldest data on the floor
		}
	}
}

func (d *MalgoDevice) ReadFrame() ([]int16, error) {
	d.mu.Lock()
	frames := d.frames
	done := d.done
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil, shared.ErrClosed
	}

	select {
	case frame := <-frames:
		return frame, nil
	case <-done:
		return nil, shared.ErrClosed
	}
}

func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	device := d.device
	ctx := d.ctx
	d.device = nil
	d.ctx = nil
	d.pending = nil
	close(d.done)
	d.mu.Unlock()

	device.Uninit()
	_ = ctx.Uninit()
	return nil
}
