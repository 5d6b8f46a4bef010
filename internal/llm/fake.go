package llm

import (
	"context"
	"fmt"
	"sync"
)

// Reply is one scripted answer of a Fake provider.
type Reply struct {
	Text string
	Err  error
}

// Fake replays scripted replies in order and records every request.
// Once the script is exhausted the last reply is repeated.
type Fake struct {
	mu       sync.Mutex
	replies  []Reply
	requests []Request
}

// NewFake returns a Fake that answers with replies in order.
func NewFake(replies ...Reply) *Fake {
	return &Fake{replies: replies}
}

// Name implements Provider.
func (f *Fake) Name() string { return "fake" }

// Complete implements Provider.
func (f *Fake) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return "", fmt.Errorf("%w: fake has no scripted reply", ErrTransport)
	}
	idx := len(f.requests) - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	reply := f.replies[idx]
	return reply.Text, reply.Err
}

// Requests returns a copy of the recorded requests.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls returns how many completions were requested.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
