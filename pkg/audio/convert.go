// Package audio decodes uploaded voice samples, converts them to the
// reference format expected by the speech engine, and encodes the result as
// 16-bit PCM WAV.
package audio

import (
	"fmt"
	"log/slog"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Format describes the sample rate and channel count of an audio clip.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Clip is decoded 16-bit PCM. Samples are interleaved when Channels > 1.
type Clip struct {
	Format
	Samples []int
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)/c.Channels) / float64(c.SampleRate)
}

// Convert downmixes c to target.Channels (mono only) and resamples it to
// target.SampleRate. A clip already in the target format is returned as is.
// Conversion order: downmix first so only one channel is resampled.
func Convert(c *Clip, target Format) (*Clip, error) {
	if c.Format == target {
		return c, nil
	}
	slog.Debug("audio: converting clip", "from", c.Format.String(), "to", target.String())

	out := c
	if out.Channels != target.Channels {
		if target.Channels != 1 {
			return nil, fmt.Errorf("audio: cannot convert %d channels to %d", out.Channels, target.Channels)
		}
		out = Downmix(out)
	}
	if out.SampleRate != target.SampleRate {
		var err error
		if out, err = Resample(out, target.SampleRate); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Downmix averages every frame of c into a single channel. Uses int64
// arithmetic and clamps to the int16 range.
func Downmix(c *Clip) *Clip {
	if c.Channels <= 1 {
		return c
	}
	frames := len(c.Samples) / c.Channels
	out := make([]int, frames)
	for i := range frames {
		var sum int64
		for ch := range c.Channels {
			sum += int64(c.Samples[i*c.Channels+ch])
		}
		out[i] = clamp16(sum / int64(c.Channels))
	}
	return &Clip{Format: Format{SampleRate: c.SampleRate, Channels: 1}, Samples: out}
}

// Resample converts c to rate using a windowed-sinc resampler. Each
// channel runs through its own resampler and is flushed, so the output holds
// exactly round(frames*rate/c.SampleRate) frames.
func Resample(c *Clip, rate int) (*Clip, error) {
	if rate <= 0 || c.SampleRate <= 0 || c.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates %d -> %d", c.SampleRate, rate)
	}
	if c.SampleRate == rate {
		return c, nil
	}

	frames := len(c.Samples) / c.Channels
	want := int((int64(frames)*int64(rate) + int64(c.SampleRate)/2) / int64(c.SampleRate))
	out := make([]int, want*c.Channels)

	for ch := range c.Channels {
		in := make([]float64, frames)
		for i := range frames {
			in[i] = float64(c.Samples[i*c.Channels+ch]) / 32768.0
		}
		resampled, err := resampleChannel(in, c.SampleRate, rate)
		if err != nil {
			return nil, err
		}
		// The filter tail can over- or undershoot by a few frames; pin the
		// length and leave any shortfall as silence.
		for i := range min(want, len(resampled)) {
			out[i*c.Channels+ch] = clamp16(int64(resampled[i] * 32767.0))
		}
	}
	return &Clip{Format: Format{SampleRate: rate, Channels: c.Channels}, Samples: out}, nil
}

func resampleChannel(in []float64, from, to int) ([]float64, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}
	out, err := rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	tail, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: flush resampler: %w", err)
	}
	return append(out, tail...), nil
}

func clamp16(v int64) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int(v)
}
