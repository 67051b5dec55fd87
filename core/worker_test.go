package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collectChunks(t *testing.T, s WorkStream) []WorkChunk {
	t.Helper()
	var chunks []WorkChunk
	timeout := time.After(time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("timed out draining work stream")
		}
	}
}

func TestFuncExecutor_Invoke(t *testing.T) {
	exec := FuncExecutor(func(_ context.Context, req WorkRequest) (string, error) {
		return "did: " + req.Task, nil
	})

	s, err := exec.Invoke(context.Background(), WorkRequest{Task: "the thing"})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collectChunks(t, s)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want delta then done", len(chunks))
	}
	if chunks[0].Delta != "did: the thing" {
		t.Errorf("delta = %q", chunks[0].Delta)
	}
	if !chunks[1].Done || chunks[1].Err != nil {
		t.Errorf("terminal chunk = %+v", chunks[1])
	}
}

func TestFuncExecutor_EmptyOutput(t *testing.T) {
	exec := FuncExecutor(func(context.Context, WorkRequest) (string, error) {
		return "", nil
	})
	s, err := exec.Invoke(context.Background(), WorkRequest{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collectChunks(t, s)
	if len(chunks) != 1 || !chunks[0].Done {
		t.Errorf("got %+v, want a single done chunk", chunks)
	}
}

func TestFuncExecutor_Error(t *testing.T) {
	boom := errors.New("boom")
	exec := FuncExecutor(func(context.Context, WorkRequest) (string, error) {
		return "", boom
	})
	s, err := exec.Invoke(context.Background(), WorkRequest{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collectChunks(t, s)
	if len(chunks) != 1 || !errors.Is(chunks[0].Err, boom) {
		t.Errorf("got %+v, want a single error chunk", chunks)
	}
}

func TestFuncStream_AnswerRejected(t *testing.T) {
	exec := FuncExecutor(func(context.Context, WorkRequest) (string, error) {
		return "out", nil
	})
	s, err := exec.Invoke(context.Background(), WorkRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Answer(context.Background(), "hello"); !errors.Is(err, ErrNoQuestionPending) {
		t.Errorf("got %v, want ErrNoQuestionPending", err)
	}
	collectChunks(t, s)
}

func TestEchoExecutor(t *testing.T) {
	exec := NewEchoExecutor()
	s, err := exec.Invoke(context.Background(), WorkRequest{
		Task:    "summarize this",
		Profile: AgentProfile{Name: "writer"},
	})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collectChunks(t, s)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if chunks[0].Delta != "[writer] summarize this" {
		t.Errorf("delta = %q", chunks[0].Delta)
	}
}
