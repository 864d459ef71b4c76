package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/pkg/fault"
	"github.com/MrWong99/voicerelay/pkg/provider/credential"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// SynthesizeStream implements tts.Provider. The upstream status is checked
// before the stream is returned, so a rejected request fails here rather than
// mid-stream.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.SynthesisRequest) (*tts.AudioStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if p.websocket {
		return p.streamWebSocket(ctx, req)
	}
	return p.streamHTTP(ctx, req)
}

// idleDeadline cancels its context with [context.DeadlineExceeded] once the
// upstream has been silent for longer than d. It is paused while a chunk is
// handed to the consumer, so a slow reader never trips it.
type idleDeadline struct {
	timer  *time.Timer
	d      time.Duration
	cancel context.CancelCauseFunc
}

func newIdleDeadline(parent context.Context, d time.Duration) (context.Context, *idleDeadline) {
	ctx, cancel := context.WithCancelCause(parent)
	return ctx, &idleDeadline{
		timer:  time.AfterFunc(d, func() { cancel(context.DeadlineExceeded) }),
		d:      d,
		cancel: cancel,
	}
}

func (i *idleDeadline) arm()   { i.timer.Reset(i.d) }
func (i *idleDeadline) pause() { i.timer.Stop() }

func (i *idleDeadline) stop() {
	i.timer.Stop()
	i.cancel(nil)
}

// upstreamErr classifies err from a call made under an idle deadline.
func upstreamErr(ctx context.Context, op string, err error) error {
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return fault.UpstreamCause(op, errors.Join(context.DeadlineExceeded, err))
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.UpstreamCause(op, err)
}

// streamHTTP relays POST /text-to-speech/{voice_id}/stream in fixed-size
// reads. The synthesis timeout bounds each wait for upstream data, not the
// whole stream.
func (p *Provider) streamHTTP(ctx context.Context, req tts.SynthesisRequest) (*tts.AudioStream, error) {
	const op = "elevenlabs.stream"
	ctx, idle := newIdleDeadline(ctx, p.synthTimeout)
	resp, err := p.postTTS(ctx, op, "/text-to-speech/"+url.PathEscape(req.VoiceID)+"/stream", req)
	if err != nil {
		idle.stop()
		return nil, upstreamErr(ctx, op, err)
	}
	idle.pause()

	s := tts.NewAudioStream(tts.MediaTypeMPEG, streamChanBuf)
	go func() {
		defer idle.stop()
		defer resp.Body.Close()
		buf := make([]byte, streamReadSize)
		for {
			idle.arm()
			n, err := resp.Body.Read(buf)
			idle.pause()
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !s.Send(ctx, chunk) {
					s.Close(tts.StopCause(ctx, op))
					return
				}
			}
			if errors.Is(err, io.EOF) {
				s.Close(nil)
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					s.Close(tts.StopCause(ctx, op))
					return
				}
				s.Close(fault.UpstreamCause(op, err))
				return
			}
		}
	}()
	return s, nil
}

// ---- WebSocket message types ----

// boiMessage is the "begin of input" handshake that authenticates and
// configures a stream-input session.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage carries one text fragment. An empty Text ends the input.
type textMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

// audioResponse is a message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// streamWebSocket renders req over the stream-input WebSocket endpoint.
func (p *Provider) streamWebSocket(ctx context.Context, req tts.SynthesisRequest) (*tts.AudioStream, error) {
	const op = "elevenlabs.stream"
	key := credential.Resolve(ctx, p.apiKey)
	if key == "" {
		return nil, fault.InvalidInput(op, "no ElevenLabs API key configured")
	}
	wsURL, err := buildWSURL(p.baseURL, req.VoiceID, p.model, p.outputFormat)
	if err != nil {
		return nil, fault.Internal(op, err)
	}

	ctx, idle := newIdleDeadline(ctx, p.synthTimeout)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		idle.stop()
		if resp != nil {
			return nil, fault.Upstream(op, resp.StatusCode, err.Error())
		}
		return nil, upstreamErr(ctx, op, fmt.Errorf("dial: %w", err))
	}

	msgs := []any{
		boiMessage{
			Text: " ", // the first text value must be non-empty
			VoiceSettings: &voiceSettings{
				Stability:       req.Stability,
				SimilarityBoost: req.SimilarityBoost,
				Style:           req.Style,
			},
			XiAPIKey: key,
		},
		textMessage{Text: req.Text + " ", Flush: true},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			idle.stop()
			conn.Close(websocket.StatusInternalError, "marshal failed")
			return nil, fault.Internal(op, err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			idle.stop()
			conn.Close(websocket.StatusInternalError, "write failed")
			return nil, upstreamErr(ctx, op, fmt.Errorf("send: %w", err))
		}
	}
	idle.pause()

	s := tts.NewAudioStream(tts.MediaTypeMPEG, streamChanBuf)
	go func() {
		defer idle.stop()
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			idle.arm()
			_, msg, err := conn.Read(ctx)
			idle.pause()
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					s.Close(nil)
					return
				}
				if ctx.Err() != nil {
					s.Close(tts.StopCause(ctx, op))
					return
				}
				s.Close(fault.UpstreamCause(op, err))
				return
			}
			var ar audioResponse
			if err := json.Unmarshal(msg, &ar); err != nil {
				continue
			}
			if ar.Error != "" {
				s.Close(fault.Upstream(op, 0, firstNonEmpty(ar.Message, ar.Error)))
				return
			}
			if ar.Audio != "" {
				chunk, err := base64.StdEncoding.DecodeString(ar.Audio)
				if err != nil {
					s.Close(fault.UpstreamCause(op, fmt.Errorf("decode audio: %w", err)))
					return
				}
				if !s.Send(ctx, chunk) {
					s.Close(tts.StopCause(ctx, op))
					return
				}
			}
			if ar.IsFinal {
				s.Close(nil)
				return
			}
		}
	}()
	return s, nil
}

// buildWSURL derives the stream-input WebSocket URL from the REST base URL.
func buildWSURL(baseURL, voiceID, model, outputFormat string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/text-to-speech/" + voiceID + "/stream-input"
	q := url.Values{}
	q.Set("model_id", model)
	if outputFormat != "" {
		q.Set("output_format", outputFormat)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
