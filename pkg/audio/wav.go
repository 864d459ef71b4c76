package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV writes c as a 16-bit PCM WAV file to ws. The encoder seeks back
// to patch the header, hence the [io.WriteSeeker].
func EncodeWAV(ws io.WriteSeeker, c *Clip) error {
	enc := wav.NewEncoder(ws, c.SampleRate, 16, c.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.Channels, SampleRate: c.SampleRate},
		Data:           c.Samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: close wav encoder: %w", err)
	}
	return nil
}

// WAVBytes encodes c into an in-memory WAV file.
func WAVBytes(c *Clip) ([]byte, error) {
	var b SeekBuffer
	if err := EncodeWAV(&b, c); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Normalize converts an uploaded sample to a WAV in target format. A payload
// that is already a 16-bit WAV in target format is returned unchanged.
func Normalize(data []byte, target Format) ([]byte, error) {
	if f, ok := Probe(data); ok && f == target {
		return data, nil
	}
	clip, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if len(clip.Samples) == 0 {
		return nil, errors.New("audio: sample contains no audio")
	}
	clip, err = Convert(clip, target)
	if err != nil {
		return nil, err
	}
	return WAVBytes(clip)
}

// SeekBuffer is an in-memory [io.WriteSeeker].
type SeekBuffer struct {
	buf []byte
	pos int
}

func (b *SeekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *SeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.buf))
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	b.pos = int(next)
	return next, nil
}

// Bytes returns the written contents.
func (b *SeekBuffer) Bytes() []byte {
	return b.buf
}
