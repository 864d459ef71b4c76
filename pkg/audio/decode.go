package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedFormat is returned by [Decode] for containers it cannot
// parse, such as WebM or Ogg recordings from a browser.
var ErrUnsupportedFormat = errors.New("audio: unsupported container")

// Container identifies an encoded audio format by its leading bytes.
type Container string

const (
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerUnknown Container = "unknown"
)

// Sniff inspects the magic bytes of data.
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ContainerWAV
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3
	}
	return ContainerUnknown
}

// Decode parses a WAV or MP3 payload into 16-bit PCM.
func Decode(data []byte) (*Clip, error) {
	switch Sniff(data) {
	case ContainerWAV:
		return decodeWAV(data)
	case ContainerMP3:
		return decodeMP3(data)
	}
	return nil, ErrUnsupportedFormat
}

// Probe returns the format of a 16-bit PCM WAV payload. ok is false for any
// other payload.
func Probe(data []byte) (f Format, ok bool) {
	if Sniff(data) != ContainerWAV {
		return Format{}, false
	}
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() || d.WavAudioFormat != 1 || d.BitDepth != 16 {
		return Format{}, false
	}
	return Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans)}, true
}

func decodeWAV(data []byte) (*Clip, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("audio: invalid wav file")
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("audio: wav format %d: %w", d.WavAudioFormat, ErrUnsupportedFormat)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: read wav pcm: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, fmt.Errorf("audio: wav has no channels")
	}

	samples := buf.Data
	switch depth := int(d.BitDepth); {
	case depth == 16:
	case depth == 8:
		// 8-bit WAV is unsigned.
		for i, s := range samples {
			samples[i] = (s - 128) << 8
		}
	case depth > 16 && depth <= 32:
		shift := depth - 16
		for i, s := range samples {
			samples[i] = s >> shift
		}
	default:
		return nil, fmt.Errorf("audio: wav bit depth %d: %w", depth, ErrUnsupportedFormat)
	}

	return &Clip{
		Format:  Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels},
		Samples: samples,
	}, nil
}

// decodeMP3 returns interleaved stereo; go-mp3 always emits two channels.
func decodeMP3(data []byte) (*Clip, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("audio: open mp3: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("audio: decode mp3: %w", err)
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	return &Clip{Format: Format{SampleRate: d.SampleRate(), Channels: 2}, Samples: samples}, nil
}
