package irisexec

import (
	"testing"

	iriscore "github.com/petal-labs/iris/core"
)

func TestAskCall(t *testing.T) {
	resp := &iriscore.ChatResponse{
		ToolCalls: []iriscore.ToolCall{
			{ID: "c1", Name: "search"},
			{ID: "c2", Name: askUserTool},
		},
	}
	call := askCall(resp)
	if call == nil || call.ID != "c2" {
		t.Errorf("askCall = %+v, want the ask_user call", call)
	}

	none := &iriscore.ChatResponse{
		ToolCalls: []iriscore.ToolCall{{ID: "c1", Name: "search"}},
	}
	if got := askCall(none); got != nil {
		t.Errorf("askCall = %+v, want nil", got)
	}
	if got := askCall(&iriscore.ChatResponse{}); got != nil {
		t.Errorf("askCall on empty response = %+v, want nil", got)
	}
}

func TestAskQuestion(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{"well formed", `{"question":"Which color?"}`, "Which color?"},
		{"empty question", `{"question":""}`, "The agent requested additional input."},
		{"no arguments", ``, "The agent requested additional input."},
		{"malformed json", `{question`, "The agent requested additional input."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := &iriscore.ToolCall{Name: askUserTool, Arguments: []byte(tt.args)}
			if got := askQuestion(call); got != tt.want {
				t.Errorf("askQuestion = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_DefaultKeyLookup(t *testing.T) {
	t.Setenv("TESTPROVIDER_API_KEY", "sk-test")
	e := New(Config{})
	if got := e.keyFor("testprovider"); got != "sk-test" {
		t.Errorf("keyFor = %q, want the env value", got)
	}
}
