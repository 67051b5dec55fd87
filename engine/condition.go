package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/arbor-labs/arborflow/core"
)

// ErrConditionEvaluation wraps any condition evaluation failure. Callers
// treat the condition as false and emit a warning event.
var ErrConditionEvaluation = errors.New("condition evaluation failed")

// Judge answers yes/no questions about a node output. Backed by the
// worker executor; nil disables llm conditions.
type Judge func(ctx context.Context, question, output string) (bool, error)

// Evaluator evaluates conditions against node outputs. Compiled regexes
// and expression programs are cached and reused across sessions.
// Safe for concurrent use.
type Evaluator struct {
	mu       sync.RWMutex
	regexes  map[string]*regexp.Regexp
	programs map[string]*vm.Program

	judge Judge
}

// NewEvaluator creates an evaluator. judge may be nil when no llm-backed
// conditions are in use.
func NewEvaluator(judge Judge) *Evaluator {
	return &Evaluator{
		regexes:  make(map[string]*regexp.Regexp),
		programs: make(map[string]*vm.Program),
		judge:    judge,
	}
}

// Evaluate resolves a condition against the given output. Any failure is
// wrapped in ErrConditionEvaluation; the caller decides how to surface it.
func (ev *Evaluator) Evaluate(ctx context.Context, c core.Condition, output string) (bool, error) {
	switch c.Kind {
	case core.ConditionContains:
		return strings.Contains(output, c.Value), nil

	case core.ConditionRegex:
		re, err := ev.getRegex(c.Value)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConditionEvaluation, err)
		}
		return re.MatchString(output), nil

	case core.ConditionLength:
		ok, err := evalLength(c.Value, len(output))
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConditionEvaluation, err)
		}
		return ok, nil

	case core.ConditionExpression:
		prg, err := ev.getProgram(c.Value)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConditionEvaluation, err)
		}
		out, err := vm.Run(prg, map[string]any{"output": output})
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConditionEvaluation, err)
		}
		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("%w: expression %q returned %T, want bool", ErrConditionEvaluation, c.Value, out)
		}
		return b, nil

	case core.ConditionLLM:
		if ev.judge == nil {
			return false, fmt.Errorf("%w: no judge configured for llm condition", ErrConditionEvaluation)
		}
		ok, err := ev.judge(ctx, c.Value, output)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConditionEvaluation, err)
		}
		return ok, nil

	default:
		return false, fmt.Errorf("%w: unknown condition kind %q", ErrConditionEvaluation, c.Kind)
	}
}

func (ev *Evaluator) getRegex(pattern string) (*regexp.Regexp, error) {
	ev.mu.RLock()
	re, ok := ev.regexes[pattern]
	ev.mu.RUnlock()
	if ok {
		return re, nil
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if re, ok := ev.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	ev.regexes[pattern] = re
	return re, nil
}

// getProgram compiles an expression with the environment restricted to the
// single string binding "output". The grammar is expr-lang's; no other
// identifiers resolve, so conditions cannot reach engine or session state.
func (ev *Evaluator) getProgram(expression string) (*vm.Program, error) {
	ev.mu.RLock()
	prg, ok := ev.programs[expression]
	ev.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if prg, ok := ev.programs[expression]; ok {
		return prg, nil
	}
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{"output": ""}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}
	ev.programs[expression] = prg
	return prg, nil
}

var lengthOps = map[string]func(a, b int) bool{
	">":  func(a, b int) bool { return a > b },
	">=": func(a, b int) bool { return a >= b },
	"<":  func(a, b int) bool { return a < b },
	"<=": func(a, b int) bool { return a <= b },
	"==": func(a, b int) bool { return a == b },
	"!=": func(a, b int) bool { return a != b },
}

// evalLength parses "<op> <number>" and applies it to n.
func evalLength(value string, n int) (bool, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return false, fmt.Errorf("length condition %q: want \"<op> <number>\"", value)
	}
	cmp, ok := lengthOps[fields[0]]
	if !ok {
		return false, fmt.Errorf("length condition %q: unknown operator %q", value, fields[0])
	}
	limit, err := strconv.Atoi(fields[1])
	if err != nil {
		return false, fmt.Errorf("length condition %q: %v", value, err)
	}
	return cmp(n, limit), nil
}

// WorkerJudge builds a Judge on top of a WorkerExecutor using the given
// profile. The worker is instructed to answer with a single yes or no; the
// answer is parsed by its leading token.
func WorkerJudge(exec core.WorkerExecutor, profile core.AgentProfile) Judge {
	return func(ctx context.Context, question, output string) (bool, error) {
		task := fmt.Sprintf(
			"Answer with exactly one word, yes or no.\n\nQuestion: %s\n\nText:\n%s",
			question, output,
		)
		stream, err := exec.Invoke(ctx, core.WorkRequest{Task: task, Profile: profile})
		if err != nil {
			return false, err
		}
		var answer strings.Builder
		for chunk := range stream.Chunks() {
			if chunk.Err != nil {
				return false, chunk.Err
			}
			answer.WriteString(chunk.Delta)
		}
		tok := strings.ToLower(strings.TrimSpace(answer.String()))
		tok = strings.TrimRight(tok, ".!")
		switch {
		case strings.HasPrefix(tok, "yes"):
			return true, nil
		case strings.HasPrefix(tok, "no"):
			return false, nil
		default:
			return false, fmt.Errorf("judge answered %q, want yes or no", answer.String())
		}
	}
}
