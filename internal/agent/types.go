package agent

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout indicates the subprocess exceeded the caller's deadline
	// and was killed.
	ErrTimeout = errors.New("agent execution timed out")

	// ErrSubprocess indicates the subprocess exited non-zero.
	ErrSubprocess = errors.New("agent subprocess failed")
)

// Options controls a single agent invocation.
type Options struct {
	// WorkDir is the directory the agent operates in. Required.
	WorkDir string

	// Timeout bounds the invocation. Zero means no deadline beyond ctx.
	Timeout time.Duration

	// Model overrides the agent CLI's default model when non-empty.
	Model string

	// SessionID continues an existing agent conversation when non-empty.
	SessionID string

	// MaxTurns caps the agent's internal tool-use loop. Zero means the
	// CLI default.
	MaxTurns int
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of a completed agent invocation.
type Result struct {
	// Output is the agent's final transcript text.
	Output string

	// SessionID identifies the conversation for later continuation.
	SessionID string

	Usage Usage
}

// StreamEventType discriminates streamed events.
type StreamEventType string

const (
	EventProgress StreamEventType = "progress"
	EventResult   StreamEventType = "result"
	EventError    StreamEventType = "error"
)

// StreamEvent is one event from a streaming invocation.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// Executor runs agent invocations.
type Executor interface {
	// Execute runs the agent to completion and returns the final result.
	Execute(ctx context.Context, prompt string, opts Options) (*Result, error)

	// ExecuteStream runs the agent and delivers events as they arrive.
	// The channel is closed when the subprocess exits; an EventError is
	// sent first if the invocation failed.
	ExecuteStream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error)
}
