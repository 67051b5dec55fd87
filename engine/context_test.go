package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/core"
)

func TestExecContext_Lifecycle(t *testing.T) {
	c := NewExecContext()

	if got := c.Status("n1"); got != core.NodeStatusIdle {
		t.Errorf("fresh node status = %v, want idle", got)
	}

	c.Begin("n1", "hello")
	if got := c.Status("n1"); got != core.NodeStatusRunning {
		t.Errorf("status after Begin = %v, want running", got)
	}

	c.AppendOutput("n1", "wor")
	c.AppendOutput("n1", "ld")
	if got := c.Output("n1"); got != "world" {
		t.Errorf("Output = %q, want %q", got, "world")
	}

	usage := &core.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	c.Complete("n1", 2*time.Second, usage)
	if got := c.Status("n1"); got != core.NodeStatusCompleted {
		t.Errorf("status after Complete = %v, want completed", got)
	}

	snap := c.Snapshot()
	st := snap["n1"]
	if st.Elapsed != 2*time.Second {
		t.Errorf("Elapsed = %v, want 2s", st.Elapsed)
	}
	if st.Usage == nil || st.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want total 15", st.Usage)
	}
}

func TestExecContext_Fail(t *testing.T) {
	c := NewExecContext()
	c.Begin("n1", "in")
	c.Fail("n1", errors.New("boom"))

	if got := c.Status("n1"); got != core.NodeStatusErrored {
		t.Errorf("status = %v, want errored", got)
	}
	if st := c.Snapshot()["n1"]; st.Error != "boom" {
		t.Errorf("Error = %q, want boom", st.Error)
	}
}

func TestExecContext_MarkSkippedOnlyIdle(t *testing.T) {
	c := NewExecContext()

	c.MarkSkipped("fresh")
	if got := c.Status("fresh"); got != core.NodeStatusSkipped {
		t.Errorf("idle node not skipped: %v", got)
	}

	c.Begin("done", "in")
	c.Complete("done", 0, nil)
	c.MarkSkipped("done")
	if got := c.Status("done"); got != core.NodeStatusCompleted {
		t.Errorf("completed node must not be skipped: %v", got)
	}
}

func TestExecContext_BumpIterations(t *testing.T) {
	c := NewExecContext()
	for want := 1; want <= 3; want++ {
		if got := c.BumpIterations("loop"); got != want {
			t.Errorf("BumpIterations = %d, want %d", got, want)
		}
	}
	if got := c.Iterations("loop"); got != 3 {
		t.Errorf("Iterations = %d, want 3", got)
	}
	if got := c.Iterations("other"); got != 0 {
		t.Errorf("Iterations for untouched node = %d, want 0", got)
	}
}

func TestExecContext_SnapshotDetached(t *testing.T) {
	c := NewExecContext()
	c.Begin("n1", "in")
	c.Complete("n1", time.Second, &core.TokenUsage{TotalTokens: 1})

	snap := c.Snapshot()
	st := snap["n1"]
	st.Output = "mutated"
	st.Usage.TotalTokens = 99
	snap["n1"] = st

	if got := c.Snapshot()["n1"].Usage.TotalTokens; got != 1 {
		t.Errorf("snapshot mutation leaked into context: total = %d", got)
	}
}
