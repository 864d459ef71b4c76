// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send the expected
// AskRequests and to feed controlled answers without a live vendor. All
// fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{AskResponse: "Hello!"}
//	answer, err := p.Ask(ctx, req)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call records a single invocation of Ask or AskStream.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Req is the AskRequest passed to the method.
	Req llm.AskRequest
	// Stream is true for AskStream.
	Stream bool
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// AskResponse is returned by Ask. When empty and StreamFragments is set,
	// Ask returns the concatenated fragments.
	AskResponse string

	// AskErr, if non-nil, is returned by Ask.
	AskErr error

	// StreamFragments are emitted in order on the channel returned by
	// AskStream.
	StreamFragments []string

	// StreamErr, if non-nil, is returned by AskStream instead of a channel.
	StreamErr error

	// StreamFailure, if non-nil, is sent as a final error fragment after
	// StreamFragments.
	StreamFailure error

	// Validate runs AskRequest.Validate before answering, like a real vendor.
	Validate bool

	// --- Call records ---

	Calls []Call
}

// Ask implements llm.Provider.
func (p *Provider) Ask(ctx context.Context, req llm.AskRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})
	if p.Validate {
		if err := req.Validate(); err != nil {
			return "", err
		}
	}
	if p.AskErr != nil {
		return "", p.AskErr
	}
	if p.AskResponse == "" && len(p.StreamFragments) > 0 {
		return strings.Join(p.StreamFragments, ""), nil
	}
	return p.AskResponse, nil
}

// AskStream implements llm.Provider. The channel is closed after the
// configured fragments are sent or when ctx is cancelled.
func (p *Provider) AskStream(ctx context.Context, req llm.AskRequest) (<-chan llm.Fragment, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req, Stream: true})
	if p.Validate {
		if err := req.Validate(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	frags := make([]string, len(p.StreamFragments))
	copy(frags, p.StreamFragments)
	failure := p.StreamFailure
	p.mu.Unlock()

	ch := make(chan llm.Fragment, len(frags)+1)
	go func() {
		defer close(ch)
		for _, f := range frags {
			select {
			case ch <- llm.Fragment{Text: f}:
			case <-ctx.Done():
				return
			}
		}
		if failure != nil {
			select {
			case ch <- llm.Fragment{Err: failure}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of recorded calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent call. It panics if none was recorded.
func (p *Provider) LastCall() Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[len(p.Calls)-1]
}

// Reset clears all recorded calls. Configured responses are unchanged.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
