package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/llm"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/types"
)

// internalErrorMessage is sent when the relay itself fails.
const internalErrorMessage = "internal error while streaming the answer"

// Tokens relays fragments to w and returns the accumulated answer.
//
// Every non-empty fragment becomes a token event. When the channel closes a
// single done event carrying the full text is written; a fragment error
// instead produces a single error event and ends the relay. Nothing is
// written after the terminal event.
//
// When ctx is cancelled the relay stops at once without a terminal event,
// since nobody is left to read it. A panic while writing is recovered and
// reported as an error event if no terminal event was written yet.
func Tokens(ctx context.Context, w EventWriter, fragments <-chan llm.Fragment) (full string, err error) {
	var sb strings.Builder
	terminated := false

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		slog.Error("relay: panic while streaming tokens", "panic", r)
		err = fault.Internal("relay.tokens", fmt.Errorf("panic: %v", r))
		full = sb.String()
		if !terminated && ctx.Err() == nil {
			terminated = true
			writeRecovered(w, types.ErrorEvent(internalErrorMessage))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case f, ok := <-fragments:
			if !ok {
				terminated = true
				return sb.String(), w.WriteEvent(types.DoneEvent(sb.String()))
			}
			if f.Err != nil {
				terminated = true
				if werr := w.WriteEvent(types.ErrorEvent(fault.Detail(f.Err))); werr != nil {
					slog.Warn("relay: failed to write error event", "err", werr)
				}
				return sb.String(), f.Err
			}
			if f.Text == "" {
				continue
			}
			sb.WriteString(f.Text)
			if werr := w.WriteEvent(types.TokenEvent(f.Text)); werr != nil {
				return sb.String(), werr
			}
		}
	}
}

// writeRecovered writes e and swallows a second panic from a broken writer.
func writeRecovered(w EventWriter, e types.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("relay: event writer panicked again", "panic", r)
		}
	}()
	if err := w.WriteEvent(e); err != nil {
		slog.Warn("relay: failed to write error event", "err", err)
	}
}

// Audio copies stream's chunks to w in order, flushing after each if w
// implements [http.Flusher]. It returns the number of bytes written and the
// first error among ctx cancellation, a write failure and the stream's own
// error.
//
// Callers that have not yet committed a response can use a zero byte count
// to report the failure in place of audio.
func Audio(ctx context.Context, w io.Writer, stream *tts.AudioStream) (int64, error) {
	flusher, _ := w.(http.Flusher)
	var n int64
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case chunk, ok := <-stream.Chunks():
			if !ok {
				return n, stream.Err()
			}
			if len(chunk) == 0 {
				continue
			}
			written, err := w.Write(chunk)
			n += int64(written)
			if err != nil {
				return n, fmt.Errorf("relay: write audio: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
