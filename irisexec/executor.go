// Package irisexec runs agent work on iris LLM providers.
package irisexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/arbor-labs/arborflow/core"
)

// askUserTool is the tool name a model calls to pause for a user answer.
// When the final response of a turn carries a call to it, the stream emits
// a question chunk and waits for Answer before continuing the conversation.
const askUserTool = "ask_user"

// Config configures an Executor.
type Config struct {
	// APIKeyFor resolves an API key for a provider name. Defaults to
	// reading <PROVIDER>_API_KEY from the environment.
	APIKeyFor func(provider string) string

	Logger *slog.Logger
}

// Executor implements core.WorkerExecutor on top of the iris provider
// registry. Providers are created lazily per name and reused.
type Executor struct {
	keyFor func(provider string) string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]iriscore.Provider
}

// New creates an Executor with the given configuration.
func New(cfg Config) *Executor {
	keyFor := cfg.APIKeyFor
	if keyFor == nil {
		keyFor = func(provider string) string {
			return os.Getenv(strings.ToUpper(provider) + "_API_KEY")
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		keyFor: keyFor,
		logger: logger,
		cache:  make(map[string]iriscore.Provider),
	}
}

// Invoke starts a streaming conversation for the request's profile.
func (e *Executor) Invoke(ctx context.Context, req core.WorkRequest) (core.WorkStream, error) {
	provider, err := e.providerFor(req.Profile.Provider)
	if err != nil {
		return nil, err
	}

	s := &irisStream{
		provider: provider,
		profile:  req.Profile,
		ch:       make(chan core.WorkChunk, 16),
		answerCh: make(chan string, 1),
		messages: []iriscore.Message{
			{Role: iriscore.RoleUser, Content: req.Task},
		},
	}
	go s.run(ctx)
	return s, nil
}

// providerFor returns a cached provider instance, creating it on first use.
func (e *Executor) providerFor(name string) (iriscore.Provider, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[name]; ok {
		return p, nil
	}
	p, err := providers.Create(name, e.keyFor(name))
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	e.logger.Debug("created llm provider", "provider", name)
	e.cache[name] = p
	return p, nil
}

// irisStream is a live conversation with an iris provider. Each turn
// streams deltas from StreamChat; a turn ending in an ask_user tool call
// pauses the stream until Answer supplies the user's reply, which is fed
// back as a tool result for the next turn.
type irisStream struct {
	provider iriscore.Provider
	profile  core.AgentProfile

	ch       chan core.WorkChunk
	answerCh chan string

	mu          sync.Mutex
	pendingCall *iriscore.ToolCall
	messages    []iriscore.Message
}

// Chunks implements core.WorkStream.
func (s *irisStream) Chunks() <-chan core.WorkChunk {
	return s.ch
}

// Answer implements core.WorkStream. It resolves a pending ask_user call
// with the user's reply.
func (s *irisStream) Answer(ctx context.Context, answer string) error {
	s.mu.Lock()
	call := s.pendingCall
	s.pendingCall = nil
	s.mu.Unlock()

	if call == nil {
		return core.ErrNoQuestionPending
	}

	s.mu.Lock()
	s.messages = append(s.messages, iriscore.Message{
		Role: iriscore.RoleTool,
		ToolResults: []iriscore.ToolResult{
			{CallID: call.ID, Content: answer},
		},
	})
	s.mu.Unlock()

	select {
	case s.answerCh <- answer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *irisStream) run(ctx context.Context) {
	defer close(s.ch)

	start := time.Now()
	usage := &core.TokenUsage{}

	for {
		resp, err := s.streamTurn(ctx)
		if err != nil {
			s.ch <- core.WorkChunk{Err: err}
			return
		}

		usage.Add(core.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		})

		s.mu.Lock()
		s.messages = append(s.messages, iriscore.Message{
			Role:      iriscore.RoleAssistant,
			Content:   resp.Output,
			ToolCalls: resp.ToolCalls,
		})
		s.mu.Unlock()

		call := askCall(resp)
		if call == nil {
			s.ch <- core.WorkChunk{
				Done:    true,
				Elapsed: time.Since(start),
				Usage:   usage,
			}
			return
		}

		s.mu.Lock()
		s.pendingCall = call
		s.mu.Unlock()

		s.ch <- core.WorkChunk{Question: askQuestion(call)}

		select {
		case <-s.answerCh:
		case <-ctx.Done():
			s.ch <- core.WorkChunk{Err: ctx.Err()}
			return
		}
	}
}

// streamTurn runs one StreamChat turn, forwarding deltas as chunks and
// returning the final response.
func (s *irisStream) streamTurn(ctx context.Context) (*iriscore.ChatResponse, error) {
	s.mu.Lock()
	chatReq := &iriscore.ChatRequest{
		Model:        iriscore.ModelID(s.profile.Model),
		Messages:     append([]iriscore.Message(nil), s.messages...),
		Instructions: s.profile.Prompt,
	}
	s.mu.Unlock()

	stream, err := s.provider.StreamChat(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("provider stream chat failed: %w", err)
	}

	for chunk := range stream.Ch {
		if chunk.Delta == "" {
			continue
		}
		select {
		case s.ch <- core.WorkChunk{Delta: chunk.Delta}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	select {
	case err, ok := <-stream.Err:
		if ok && err != nil {
			return nil, err
		}
	default:
	}

	select {
	case resp, ok := <-stream.Final:
		if !ok || resp == nil {
			return nil, fmt.Errorf("provider stream ended without a final response")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// askCall returns the ask_user tool call from the response, if any.
func askCall(resp *iriscore.ChatResponse) *iriscore.ToolCall {
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == askUserTool {
			return &resp.ToolCalls[i]
		}
	}
	return nil
}

// askQuestion extracts the question text from an ask_user call's arguments.
func askQuestion(call *iriscore.ToolCall) string {
	var args struct {
		Question string `json:"question"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err == nil && args.Question != "" {
			return args.Question
		}
	}
	return "The agent requested additional input."
}

// Compile-time interface checks.
var (
	_ core.WorkerExecutor = (*Executor)(nil)
	_ core.WorkStream     = (*irisStream)(nil)
)
