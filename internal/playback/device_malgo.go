package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voiceloop/voiceloop/internal/audio"
	"github.com/voiceloop/voiceloop/internal/shared"
)

// maxBufferedSamples bounds how far Write runs ahead of the speaker, about
// 200ms of audio. Keeping this small is what makes Stop feel instant.
const maxBufferedSamples = audio.SampleRate / 5

// MalgoDevice adapts a miniaudio playback device. The device callback drains
// an internal byte buffer; Write blocks while the buffer is above the high
// water mark.
type MalgoDevice struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	buf     []byte
	started bool
}

func NewMalgoDevice() *MalgoDevice {
	return &MalgoDevice{}
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

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = audio.SampleRate
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = audio.SampleRate / 50 // 20ms periods
	cfg.Periods = 3

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.fill,
	})
	if err != nil {
		_ = ctx.Uninit()
		return fmt.Errorf("%w: init playback device: %v", shared.ErrDeviceUnavailable, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return fmt.Errorf("%w: start playback device: %v", shared.ErrDeviceUnavailable, err)
	}

	d.ctx = ctx
	d.device = device
	d.started = true
	return nil
}

func (d *MalgoDevice) fill(pOutput, _ []byte, frameCount uint32) {
	need := int(frameCount) * audio.BytesPerFrame

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 {
		return
	}
	if need > len(d.buf) {
		need = len(d.buf)
	}
	copy(pOutput, d.buf[:need])
	d.buf = d.buf[need:]
}

func (d *MalgoDevice) Write(pcm []int16) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return shared.ErrClosed
	}
	d.buf = append(d.buf, audio.Int16ToPCMBytes(pcm)...)
	d.mu.Unlock()

	for {
		d.mu.Lock()
		buffered := len(d.buf) / audio.BytesPerFrame
		started := d.started
		d.mu.Unlock()
		if !started || buffered <= maxBufferedSamples {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (d *MalgoDevice) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = nil
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
	d.buf = nil
	d.mu.Unlock()

	device.Uninit()
	_ = ctx.Uninit()
	return nil
}
