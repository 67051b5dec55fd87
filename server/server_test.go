package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/loader"
	"github.com/arbor-labs/arborflow/session"
)

func newTestServer(t *testing.T, exec core.WorkerExecutor) (*httptest.Server, *engine.Engine) {
	t.Helper()
	if exec == nil {
		exec = core.FuncExecutor(func(_ context.Context, req core.WorkRequest) (string, error) {
			return req.Task, nil
		})
	}
	reg := core.NewInMemoryProfileRegistry()
	if err := reg.Register(core.AgentProfile{Name: "writer", Provider: "test", Model: "test-model"}); err != nil {
		t.Fatal(err)
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	eng := engine.New(engine.Options{
		Publisher: eb,
		Sessions:  session.NewMemStore(),
		Executor:  exec,
		Profiles:  reg,
	})
	srv := New(Config{Engine: eng, Bus: eb})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		eb.Close()
	})
	return ts, eng
}

func linearWorkflow() *loader.Document {
	return &loader.Document{
		ID: "wf-1",
		Nodes: []core.Node{
			{ID: "start", Type: core.NodeTypeEntry, Entry: &core.EntryConfig{}},
			{ID: "t", Type: core.NodeTypeTask, Task: &core.TaskConfig{
				Profile:  "writer",
				Template: "echo {input}",
			}},
		},
		Edges: []core.Edge{{Source: "start", Target: "t"}},
	}
}

func postExecute(t *testing.T, ts *httptest.Server, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+"/api/executions", "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// readStream consumes an NDJSON response body and returns the decoded
// events plus the final sentinel line.
func readStream(t *testing.T, resp *http.Response) ([]wireEvent, string) {
	t.Helper()
	defer resp.Body.Close()

	var (
		events   []wireEvent
		sentinel string
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == doneSentinel || strings.HasPrefix(line, errorSentinel) {
			sentinel = line
			continue
		}
		var we wireEvent
		if err := json.Unmarshal([]byte(line), &we); err != nil {
			t.Fatalf("bad stream line %q: %v", line, err)
		}
		events = append(events, we)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	return events, sentinel
}

func decodeAPIError(t *testing.T, resp *http.Response) apiErrorDetail {
	t.Helper()
	defer resp.Body.Close()
	var body apiErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body.Error
}

func TestServer_ExecuteStreamsEvents(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postExecute(t, ts, map[string]any{
		"workflow": linearWorkflow(),
		"input":    "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Errorf("content type = %q", ct)
	}

	events, sentinel := readStream(t, resp)
	if sentinel != doneSentinel {
		t.Errorf("sentinel = %q, want %q", sentinel, doneSentinel)
	}
	if len(events) == 0 {
		t.Fatal("no events streamed")
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d, want %d", i, e.Seq, i+1)
		}
	}
	last := events[len(events)-1]
	if last.Kind != string(engine.EventWorkflowComplete) {
		t.Errorf("last event kind = %q, want workflow_complete", last.Kind)
	}
}

func TestServer_ExecuteValidationFailed(t *testing.T) {
	ts, eng := newTestServer(t, nil)

	wf := linearWorkflow()
	wf.Nodes[1].Task.Profile = "" // invalid task
	resp := postExecute(t, ts, map[string]any{"workflow": wf})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	apiErr := decodeAPIError(t, resp)
	if apiErr.Code != "VALIDATION_FAILED" {
		t.Errorf("code = %q, want VALIDATION_FAILED", apiErr.Code)
	}
	details, ok := apiErr.Details.(map[string]any)
	if !ok || details["findings"] == nil {
		t.Errorf("details = %v, want findings list", apiErr.Details)
	}

	// No session is created for a rejected workflow.
	sessions, err := eng.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("store has %d sessions, want 0", len(sessions))
	}
}

func TestServer_ExecuteBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postExecute(t, ts, map[string]any{"input": "no workflow"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if code := decodeAPIError(t, resp).Code; code != "MISSING_WORKFLOW" {
		t.Errorf("code = %q, want MISSING_WORKFLOW", code)
	}

	raw, err := http.Post(ts.URL+"/api/executions", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", raw.StatusCode)
	}
	if code := decodeAPIError(t, raw).Code; code != "INVALID_JSON" {
		t.Errorf("code = %q, want INVALID_JSON", code)
	}
}

func TestServer_GetSession(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postExecute(t, ts, map[string]any{"workflow": linearWorkflow(), "input": "x"})
	events, _ := readStream(t, resp)
	if len(events) == 0 {
		t.Fatal("no events")
	}
	id := events[0].SessionID

	getResp, err := http.Get(ts.URL + "/api/sessions/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", getResp.StatusCode)
	}
	var sess engine.Session
	if err := json.NewDecoder(getResp.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	if sess.ID != id || sess.Status != engine.SessionCompleted {
		t.Errorf("session = %s/%s, want %s/completed", sess.ID, sess.Status, id)
	}

	missing, err := http.Get(ts.URL + "/api/sessions/nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missing.StatusCode)
	}
	if code := decodeAPIError(t, missing).Code; code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", code)
	}
}

func TestServer_GetSessionIncludesEventLog(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postExecute(t, ts, map[string]any{"workflow": linearWorkflow(), "input": "x"})
	streamed, _ := readStream(t, resp)
	if len(streamed) == 0 {
		t.Fatal("no events")
	}
	id := streamed[0].SessionID

	fetch := func() []byte {
		t.Helper()
		getResp, err := http.Get(ts.URL + "/api/sessions/" + id)
		if err != nil {
			t.Fatal(err)
		}
		defer getResp.Body.Close()
		if getResp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", getResp.StatusCode)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(getResp.Body); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	first := fetch()
	var got sessionResponse
	if err := json.Unmarshal(first, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.SessionCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if len(got.Events) != len(streamed) {
		t.Fatalf("event log has %d events, stream had %d", len(got.Events), len(streamed))
	}
	for i, evt := range got.Events {
		if evt.Seq != streamed[i].Seq || evt.Kind != streamed[i].Kind {
			t.Errorf("event %d = %s/%d, stream had %s/%d",
				i, evt.Kind, evt.Seq, streamed[i].Kind, streamed[i].Seq)
		}
	}
	if last := got.Events[len(got.Events)-1]; last.Kind != string(engine.EventWorkflowComplete) {
		t.Errorf("last event = %s, want workflow_complete", last.Kind)
	}

	// A completed session's record is stable across queries.
	second := fetch()
	if !bytes.Equal(first, second) {
		t.Error("re-querying a completed session returned a different body")
	}
}

func TestServer_StreamReconnectAfterSeq(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postExecute(t, ts, map[string]any{"workflow": linearWorkflow(), "input": "x"})
	all, _ := readStream(t, resp)
	if len(all) < 3 {
		t.Fatalf("need at least 3 events, got %d", len(all))
	}
	id := all[0].SessionID
	after := all[1].Seq

	reResp, err := http.Get(fmt.Sprintf("%s/api/sessions/%s/stream?after=%d", ts.URL, id, after))
	if err != nil {
		t.Fatal(err)
	}
	if reResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", reResp.StatusCode)
	}
	replayed, sentinel := readStream(t, reResp)
	if sentinel != doneSentinel {
		t.Errorf("sentinel = %q, want %q", sentinel, doneSentinel)
	}
	if len(replayed) != len(all)-2 {
		t.Errorf("replayed %d events, want %d", len(replayed), len(all)-2)
	}
	for _, e := range replayed {
		if e.Seq <= after {
			t.Errorf("replayed seq %d, must be > %d", e.Seq, after)
		}
	}

	bad, err := http.Get(ts.URL + "/api/sessions/" + id + "/stream?after=nope")
	if err != nil {
		t.Fatal(err)
	}
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", bad.StatusCode)
	}
	bad.Body.Close()
}

func TestServer_ReattachExistingSession(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postExecute(t, ts, map[string]any{"workflow": linearWorkflow(), "input": "x"})
	all, _ := readStream(t, resp)
	id := all[0].SessionID

	reResp := postExecute(t, ts, map[string]any{
		"existing_session_id": id,
		"last_event_index":    all[0].Seq,
	})
	if reResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", reResp.StatusCode)
	}
	replayed, sentinel := readStream(t, reResp)
	if sentinel != doneSentinel {
		t.Errorf("sentinel = %q", sentinel)
	}
	if len(replayed) != len(all)-1 {
		t.Errorf("replayed %d events, want %d", len(replayed), len(all)-1)
	}
}

func TestServer_CancelErrors(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/sessions/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// A completed session cannot be cancelled.
	execResp := postExecute(t, ts, map[string]any{"workflow": linearWorkflow(), "input": "x"})
	all, _ := readStream(t, execResp)
	id := all[0].SessionID

	done, err := http.Post(ts.URL+"/api/sessions/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", done.StatusCode)
	}
	if code := decodeAPIError(t, done).Code; code != "NOT_RUNNING" {
		t.Errorf("code = %q, want NOT_RUNNING", code)
	}
}

func TestServer_DeleteSessionLifecycle(t *testing.T) {
	blocking := core.FuncExecutor(func(ctx context.Context, _ core.WorkRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	ts, eng := newTestServer(t, blocking)

	doc := linearWorkflow()
	g, err := doc.Graph()
	if err != nil {
		t.Fatal(err)
	}
	sess, _, err := eng.Submit(g, "x", "")
	if err != nil {
		t.Fatal(err)
	}

	// Running sessions are protected from deletion.
	delReq, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+sess.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatal(err)
	}
	if delResp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", delResp.StatusCode)
	}
	if code := decodeAPIError(t, delResp).Code; code != "NOT_TERMINAL" {
		t.Errorf("code = %q, want NOT_TERMINAL", code)
	}

	cancelResp, err := http.Post(ts.URL+"/api/sessions/"+sess.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cancelResp.StatusCode != http.StatusOK {
		t.Errorf("cancel status = %d, want 200", cancelResp.StatusCode)
	}
	cancelResp.Body.Close()

	// After cancellation the delete goes through.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.DefaultClient.Do(delReq)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNoContent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delete never succeeded, last status %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}

	gone, err := http.Get(ts.URL + "/api/sessions/" + sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gone.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", gone.StatusCode)
	}
	gone.Body.Close()
}

func TestServer_AnswerInputNoPending(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	execResp := postExecute(t, ts, map[string]any{"workflow": linearWorkflow(), "input": "x"})
	all, _ := readStream(t, execResp)
	id := all[0].SessionID

	resp, err := http.Post(ts.URL+"/api/sessions/"+id+"/input", "application/json",
		strings.NewReader(`{"answer":"blue"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if code := decodeAPIError(t, resp).Code; code != "NO_PENDING_INPUT" {
		t.Errorf("code = %q, want NO_PENDING_INPUT", code)
	}
}

func TestServer_ListSessions(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		resp := postExecute(t, ts, map[string]any{"workflow": linearWorkflow(), "input": "x"})
		readStream(t, resp)
	}

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Sessions []engine.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(body.Sessions))
	}
}
