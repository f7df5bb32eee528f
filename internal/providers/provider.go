package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Event is one element of a provider stream. A stream is zero or more
// delta events followed by exactly one terminal event: either Done with
// the total token count, or Err. The channel is closed after the terminal
// event.
type Event struct {
	Delta      string
	Done       bool
	TokensUsed int
	Err        error
}

// Provider is the uniform contract over the AI backends. Stream must yield
// the first delta before generation completes; it must never buffer the
// full response. The returned channel has a small fixed capacity, so a slow
// consumer applies backpressure to the underlying connection.
type Provider interface {
	Name() string
	Stream(ctx context.Context, messages []Message, params Params) (<-chan Event, error)
}

// EventBuffer is the capacity of stream channels returned by providers.
const EventBuffer = 16

var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrEmptyStream = errors.New("provider produced no output")
)

// RateLimitedError carries the backend's retry-after hint, zero if none
// was given.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
	}
	return "provider rate limited"
}

// ContentError marks output the backend refused or mangled. It terminates
// the stream; it is never dropped silently.
type ContentError struct {
	Reason string
}

func (e *ContentError) Error() string {
	return "provider content error: " + e.Reason
}

func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

func IsContentError(err error) bool {
	var ce *ContentError
	return errors.As(err, &ce)
}

// EstimateTokens is the deterministic fallback when a backend does not
// report usage: roughly one token per four characters. The ledger must
// always receive a number, never a null.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// DefaultCompletionEstimate is the generation ceiling assumed for quota
// reservation when the request names no max_tokens. The backends still
// generate with their own defaults, so the reservation must cover more
// than the prompt.
const DefaultCompletionEstimate = 1000

// EstimateMessageTokens sizes the prompt side of a request.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// EstimateRequestTokens sizes a full request for quota reservation: the
// prompt side plus the generation ceiling, worst case.
func EstimateRequestTokens(messages []Message, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = DefaultCompletionEstimate
	}
	return EstimateMessageTokens(messages) + maxTokens
}

// ClassifyStatus maps a non-2xx HTTP status from a backend onto the
// adapter error taxonomy.
func ClassifyStatus(status int, retryAfter time.Duration) error {
	switch {
	case status == 429:
		return &RateLimitedError{RetryAfter: retryAfter}
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	case status == 401 || status == 403:
		return fmt.Errorf("%w: auth rejected (status %d)", ErrUnavailable, status)
	default:
		return fmt.Errorf("provider status %d", status)
	}
}
