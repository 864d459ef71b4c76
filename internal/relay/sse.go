// Package relay forwards provider streams to HTTP clients.
//
// Token streams from a dialogue provider are framed as server-sent events
// ([Tokens] + [SSEWriter]); audio streams from a speech provider are copied
// verbatim ([Audio]). Both flush after every unit so the client sees output
// as soon as the provider produces it.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/types"
)

// EventWriter receives framed stream events.
type EventWriter interface {
	WriteEvent(e types.StreamEvent) error
}

// SSEWriter encodes events as `data: {json}\n\n` records.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	buf     bytes.Buffer
}

// Compile-time interface assertion.
var _ EventWriter = (*SSEWriter)(nil)

// NewSSEWriter returns an SSEWriter writing to w. If w implements
// [http.Flusher] every record is flushed as soon as it is written.
func NewSSEWriter(w io.Writer) *SSEWriter {
	s := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// SetSSEHeaders prepares h for an event stream response.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent implements EventWriter.
func (s *SSEWriter) WriteEvent(e types.StreamEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.buf.WriteString("data: ")
	s.buf.Write(payload)
	s.buf.WriteString("\n\n")
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return fmt.Errorf("relay: write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
