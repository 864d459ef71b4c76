// Package llm defines the Provider interface for dialogue (large language
// model) backends.
//
// A dialogue provider wraps a remote model API (e.g. Anthropic Claude, Groq,
// or any OpenAI-compatible endpoint) and answers one question given an
// optional conversation history, either all at once or as a stream of text
// fragments.
//
// Implementors must be safe for concurrent use. Channels returned by AskStream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
//
// A per-call API key placed in the context with credential.WithAPIKey takes
// precedence over the key the provider was configured with.
package llm

import "context"

// Provider is the abstraction over any dialogue backend.
type Provider interface {
	// Ask sends req to the model and waits for the complete answer.
	//
	// Returns an InvalidInput fault for malformed requests (checked before any
	// network call) and an Upstream fault when the vendor fails or times out.
	Ask(ctx context.Context, req AskRequest) (string, error)

	// AskStream sends req to the model and returns a channel emitting answer
	// fragments in generation order. Concatenating every Fragment.Text yields
	// the complete answer.
	//
	// A failure after the stream opened is delivered as a final Fragment with
	// Err set; nothing follows it. The initial error return is non-nil only
	// for failures that prevent the stream from starting.
	//
	// The returned channel is never nil when error is nil. Callers must drain
	// it or cancel ctx.
	AskStream(ctx context.Context, req AskRequest) (<-chan Fragment, error)
}
