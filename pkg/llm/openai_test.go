package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis-sre/agentcore/pkg/ports"
)

func TestInvokeParsesContentResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Model != "primary-model" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "check_memory" {
			t.Errorf("unexpected tools %+v", req.Tools)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "hello"}}},
		})
	}))
	defer srv.Close()

	c := New("test-key", "primary-model", "nano-model").WithBaseURL(srv.URL)
	resp, err := c.Invoke(context.Background(), []ports.Message{{Role: "user", Content: "hi"}},
		[]string{"check_memory"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Content != "hello" || len(resp.ToolCalls) != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestInvokeParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{{
					"id":   "call-1",
					"type": "function",
					"function": map[string]any{
						"name":      "check_slowlog",
						"arguments": `{"count": 10}`,
					},
				}},
			}}},
		})
	}))
	defer srv.Close()

	c := New("k", "m", "n").WithBaseURL(srv.URL)
	resp, err := c.Invoke(context.Background(), nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %+v", resp)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "check_slowlog" || tc.Args["count"] != float64(10) {
		t.Errorf("unexpected tool call %+v", tc)
	}
}

func TestInvokeNanoUsesNanoModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := New("k", "primary", "nano").WithBaseURL(srv.URL)
	if _, err := c.InvokeNano(context.Background(), nil, 5*time.Second); err != nil {
		t.Fatalf("InvokeNano failed: %v", err)
	}
	if gotModel != "nano" {
		t.Errorf("expected nano model, got %q", gotModel)
	}
}

func TestInvokeSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "rate limited"}})
	}))
	defer srv.Close()

	c := New("k", "m", "n").WithBaseURL(srv.URL)
	if _, err := c.Invoke(context.Background(), nil, nil, 5*time.Second); err == nil {
		t.Fatal("expected error from API error response")
	}
}
