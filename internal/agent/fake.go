package agent

import (
	"context"
	"errors"
	"sync"
)

// FakeCall records one invocation of a Fake executor.
type FakeCall struct {
	Prompt string
	Opts   Options
}

// FakeResponse is one scripted reply.
type FakeResponse struct {
	Result *Result
	Err    error

	// Handler, when set, computes the reply from the call instead.
	Handler func(prompt string, opts Options) (*Result, error)
}

// Fake is a scripted Executor for tests. Responses are consumed in order;
// when the script runs out the last response repeats.
type Fake struct {
	mu        sync.Mutex
	responses []FakeResponse
	calls     []FakeCall
}

// NewFake creates a fake executor with the given scripted responses.
func NewFake(responses ...FakeResponse) *Fake {
	return &Fake{responses: responses}
}

// Enqueue appends responses to the script.
func (f *Fake) Enqueue(responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

// Calls returns every invocation seen so far.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Execute(_ context.Context, prompt string, opts Options) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Prompt: prompt, Opts: opts})
	n := len(f.calls)
	var resp FakeResponse
	switch {
	case len(f.responses) == 0:
		f.mu.Unlock()
		return nil, errors.New("fake executor has no scripted responses")
	case n <= len(f.responses):
		resp = f.responses[n-1]
	default:
		resp = f.responses[len(f.responses)-1]
	}
	f.mu.Unlock()

	if resp.Handler != nil {
		return resp.Handler(prompt, opts)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Result != nil {
		return resp.Result, nil
	}
	return &Result{Output: "ok"}, nil
}

func (f *Fake) ExecuteStream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	result, err := f.Execute(ctx, prompt, opts)
	events := make(chan StreamEvent, 1)
	if err != nil {
		events <- StreamEvent{Type: EventError, Content: err.Error()}
	} else {
		events <- StreamEvent{Type: EventResult, Content: result.Output}
	}
	close(events)
	return events, nil
}
