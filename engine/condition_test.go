package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/arbor-labs/arborflow/core"
)

func TestEvaluator_Contains(t *testing.T) {
	ev := NewEvaluator(nil)
	ctx := context.Background()

	tests := []struct {
		output string
		value  string
		want   bool
	}{
		{"abc123", "123", true},
		{"abc123", "xyz", false},
		{"", "a", false},
		{"anything", "", true},
	}
	for _, tt := range tests {
		got, err := ev.Evaluate(ctx, core.Condition{Kind: core.ConditionContains, Value: tt.value}, tt.output)
		if err != nil {
			t.Fatalf("Evaluate(%q contains %q): %v", tt.output, tt.value, err)
		}
		if got != tt.want {
			t.Errorf("Evaluate(%q contains %q) = %v, want %v", tt.output, tt.value, got, tt.want)
		}
	}
}

func TestEvaluator_Regex(t *testing.T) {
	ev := NewEvaluator(nil)
	ctx := context.Background()

	got, err := ev.Evaluate(ctx, core.Condition{Kind: core.ConditionRegex, Value: `\d{3}`}, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("want match for three digits")
	}

	got, err = ev.Evaluate(ctx, core.Condition{Kind: core.ConditionRegex, Value: `^\d+$`}, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("want no match for mixed string")
	}
}

func TestEvaluator_RegexInvalid(t *testing.T) {
	ev := NewEvaluator(nil)
	_, err := ev.Evaluate(context.Background(), core.Condition{Kind: core.ConditionRegex, Value: "[unclosed"}, "x")
	if !errors.Is(err, ErrConditionEvaluation) {
		t.Errorf("got %v, want ErrConditionEvaluation", err)
	}
}

func TestEvaluator_Length(t *testing.T) {
	ev := NewEvaluator(nil)
	ctx := context.Background()

	tests := []struct {
		value  string
		output string
		want   bool
	}{
		{"> 3", "abcd", true},
		{"> 3", "abc", false},
		{">= 3", "abc", true},
		{"< 5", "abcd", true},
		{"<= 4", "abcd", true},
		{"== 0", "", true},
		{"!= 2", "ab", false},
	}
	for _, tt := range tests {
		got, err := ev.Evaluate(ctx, core.Condition{Kind: core.ConditionLength, Value: tt.value}, tt.output)
		if err != nil {
			t.Fatalf("length %q on %q: %v", tt.value, tt.output, err)
		}
		if got != tt.want {
			t.Errorf("length %q on %q = %v, want %v", tt.value, tt.output, got, tt.want)
		}
	}
}

func TestEvaluator_LengthMalformed(t *testing.T) {
	ev := NewEvaluator(nil)
	for _, value := range []string{"", ">", "> x", "gt 3", "> 3 4"} {
		_, err := ev.Evaluate(context.Background(), core.Condition{Kind: core.ConditionLength, Value: value}, "x")
		if !errors.Is(err, ErrConditionEvaluation) {
			t.Errorf("length %q: got %v, want ErrConditionEvaluation", value, err)
		}
	}
}

func TestEvaluator_Expression(t *testing.T) {
	ev := NewEvaluator(nil)
	ctx := context.Background()

	got, err := ev.Evaluate(ctx, core.Condition{
		Kind:  core.ConditionExpression,
		Value: `len(output) > 2 && output contains "b"`,
	}, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("expression should be true for \"abc\"")
	}

	got, err = ev.Evaluate(ctx, core.Condition{
		Kind:  core.ConditionExpression,
		Value: `output == "done"`,
	}, "not done yet")
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("expression should be false")
	}
}

func TestEvaluator_ExpressionRejectsUnknownIdentifiers(t *testing.T) {
	ev := NewEvaluator(nil)
	_, err := ev.Evaluate(context.Background(), core.Condition{
		Kind:  core.ConditionExpression,
		Value: `secrets == "x"`,
	}, "x")
	if !errors.Is(err, ErrConditionEvaluation) {
		t.Errorf("got %v, want ErrConditionEvaluation for unknown identifier", err)
	}
}

func TestEvaluator_ExpressionCached(t *testing.T) {
	ev := NewEvaluator(nil)
	ctx := context.Background()
	cond := core.Condition{Kind: core.ConditionExpression, Value: `len(output) > 0`}

	for i := 0; i < 3; i++ {
		if _, err := ev.Evaluate(ctx, cond, "x"); err != nil {
			t.Fatal(err)
		}
	}
	ev.mu.RLock()
	n := len(ev.programs)
	ev.mu.RUnlock()
	if n != 1 {
		t.Errorf("program cache has %d entries, want 1", n)
	}
}

func TestEvaluator_LLM(t *testing.T) {
	judge := func(_ context.Context, question, output string) (bool, error) {
		return question == "is it done?" && output == "done", nil
	}
	ev := NewEvaluator(judge)

	got, err := ev.Evaluate(context.Background(), core.Condition{Kind: core.ConditionLLM, Value: "is it done?"}, "done")
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("judge should answer true")
	}
}

func TestEvaluator_LLMNoJudge(t *testing.T) {
	ev := NewEvaluator(nil)
	_, err := ev.Evaluate(context.Background(), core.Condition{Kind: core.ConditionLLM, Value: "q"}, "x")
	if !errors.Is(err, ErrConditionEvaluation) {
		t.Errorf("got %v, want ErrConditionEvaluation without judge", err)
	}
}

func TestEvaluator_UnknownKind(t *testing.T) {
	ev := NewEvaluator(nil)
	_, err := ev.Evaluate(context.Background(), core.Condition{Kind: "vibes", Value: "x"}, "x")
	if !errors.Is(err, ErrConditionEvaluation) {
		t.Errorf("got %v, want ErrConditionEvaluation", err)
	}
}

func TestWorkerJudge(t *testing.T) {
	tests := []struct {
		answer  string
		want    bool
		wantErr bool
	}{
		{"yes", true, false},
		{"Yes.", true, false},
		{"no", false, false},
		{"NO!", false, false},
		{"maybe", false, true},
	}
	for _, tt := range tests {
		exec := core.FuncExecutor(func(_ context.Context, _ core.WorkRequest) (string, error) {
			return tt.answer, nil
		})
		judge := WorkerJudge(exec, core.AgentProfile{Name: "judge"})
		got, err := judge(context.Background(), "is it fine?", "some output")
		if tt.wantErr {
			if err == nil {
				t.Errorf("answer %q: want error", tt.answer)
			}
			continue
		}
		if err != nil {
			t.Fatalf("answer %q: %v", tt.answer, err)
		}
		if got != tt.want {
			t.Errorf("answer %q = %v, want %v", tt.answer, got, tt.want)
		}
	}
}
