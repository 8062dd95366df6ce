package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"

	"github.com/Don-Vicks/karen/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestCompleteParsesFunctionCalls(t *testing.T) {
	var body map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "resp_1",
			"object":     "response",
			"created_at": 1,
			"model":      "gpt-4o-mini",
			"status":     "completed",
			"output": []map[string]any{
				{
					"type":    "message",
					"id":      "msg_1",
					"role":    "assistant",
					"status":  "completed",
					"content": []map[string]any{{"type": "output_text", "text": "checking balance", "annotations": []any{}}},
				},
				{
					"type":      "function_call",
					"id":        "fc_1",
					"call_id":   "call_1",
					"name":      "check_balance",
					"arguments": "{}",
					"status":    "completed",
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		APIKey:  "test",
		BaseURL: srv.URL,
		Options: []option.RequestOption{option.WithHTTPClient(srv.Client()), option.WithMaxRetries(0)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Complete(context.Background(), llm.Request{
		System:   "system prompt",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
		Tools:    []llm.Tool{{Name: "check_balance", Description: "balance"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "checking balance" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "check_balance" || resp.ToolCalls[0].ID != "call_1" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if path != "/responses" {
		t.Fatalf("unexpected path %q", path)
	}
	if body["instructions"] != "system prompt" {
		t.Fatalf("system prompt not sent as instructions: %v", body["instructions"])
	}
}
