package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoQuestionPending is returned by Answer when the stream has not asked
// a question.
var ErrNoQuestionPending = errors.New("no question pending on work stream")

// WorkRequest describes one unit of agent work handed to a WorkerExecutor.
type WorkRequest struct {
	// Task is the fully rendered task text (placeholders already substituted).
	Task string

	// Profile is the resolved capability profile to execute with.
	Profile AgentProfile

	// Tools is an optional allowlist narrowing the profile's tool set.
	Tools []string
}

// WorkChunk is one element of a work stream. A stream yields zero or more
// delta chunks, optionally a question chunk pausing for user input, and
// terminates with exactly one chunk where Done is true or Err is non-nil.
type WorkChunk struct {
	// Delta is an incremental piece of output text.
	Delta string

	// Question, when non-empty, signals that the worker needs a user
	// answer before it can continue. The stream stays open; the caller
	// injects the answer via WorkStream.Answer.
	Question string

	// Done marks successful completion. Elapsed and Usage are set only
	// on this final chunk.
	Done    bool
	Elapsed time.Duration
	Usage   *TokenUsage

	// Err marks failed completion. No further chunks follow.
	Err error
}

// WorkStream is a live worker invocation.
type WorkStream interface {
	// Chunks returns the stream channel. The executor closes it after
	// the terminal chunk.
	Chunks() <-chan WorkChunk

	// Answer injects a user answer for a previously streamed question.
	Answer(ctx context.Context, answer string) error
}

// WorkerExecutor performs agent work. Implementations live outside the
// engine; the engine consumes this contract only. Invoke must honor ctx
// cancellation by terminating the stream promptly.
type WorkerExecutor interface {
	Invoke(ctx context.Context, req WorkRequest) (WorkStream, error)
}

// FuncExecutor adapts a plain function into a WorkerExecutor. The function
// receives the rendered task and returns the complete output. Useful for
// tests and offline runs.
type FuncExecutor func(ctx context.Context, req WorkRequest) (string, error)

// Invoke implements WorkerExecutor.
func (f FuncExecutor) Invoke(ctx context.Context, req WorkRequest) (WorkStream, error) {
	ch := make(chan WorkChunk, 2)
	go func() {
		defer close(ch)
		start := time.Now()
		out, err := f(ctx, req)
		if err != nil {
			ch <- WorkChunk{Err: err}
			return
		}
		if out != "" {
			ch <- WorkChunk{Delta: out}
		}
		ch <- WorkChunk{Done: true, Elapsed: time.Since(start)}
	}()
	return funcStream{ch: ch}, nil
}

type funcStream struct {
	ch chan WorkChunk
}

func (s funcStream) Chunks() <-chan WorkChunk { return s.ch }

func (s funcStream) Answer(context.Context, string) error {
	return ErrNoQuestionPending
}

// NewEchoExecutor returns an executor that echoes the task back, prefixed
// with the profile name. Intended for local dry runs without a provider.
func NewEchoExecutor() WorkerExecutor {
	return FuncExecutor(func(ctx context.Context, req WorkRequest) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		var b strings.Builder
		b.WriteString("[")
		b.WriteString(req.Profile.Name)
		b.WriteString("] ")
		b.WriteString(req.Task)
		return b.String(), nil
	})
}

// Ensure interface compliance at compile time.
var (
	_ WorkerExecutor = FuncExecutor(nil)
	_ WorkStream     = funcStream{}
)
