package playback

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/voiceloop/voiceloop/internal/audio"
)

const (
	FormatPCM16 = "pcm16"
	FormatOpus  = "opus"

	// 120ms at 16kHz, the largest frame opus allows
	maxOpusFrameSamples = 1920
)

// Decoder converts one wire chunk into playable PCM samples.
type Decoder interface {
	Decode(data []byte, format string) ([]int16, error)
}

type chunkDecoder struct {
	opus *opus.Decoder
}

func NewDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(audio.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("init opus decoder: %w", err)
	}
	return &chunkDecoder{opus: dec}, nil
}

func (d *chunkDecoder) Decode(data []byte, format string) ([]int16, error) {
	switch format {
	case FormatPCM16, "":
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("pcm16 chunk has odd length %d", len(data))
		}
		return audio.PCMBytesToInt16(data), nil
	case FormatOpus:
		pcm := make([]int16, maxOpusFrameSamples)
		n, err := d.opus.Decode(data, pcm)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		return pcm[:n], nil
	default:
		return nil, fmt.Errorf("unsupported chunk format %q", format)
	}
}
