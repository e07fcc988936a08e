package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
)

func TestDecodeResult(t *testing.T) {
	cases := map[string]string{
		"plain":       `{"terms":[{"word":"GDP","mean":"国内生产总值"}],"notes":"GDP↑"}`,
		"fenced":      "```json\n{\"terms\":[{\"word\":\"GDP\",\"mean\":\"国内生产总值\"}],\"notes\":\"GDP↑\"}\n```",
		"bare fence":  "```\n{\"terms\":[{\"word\":\"GDP\",\"mean\":\"国内生产总值\"}],\"notes\":\"GDP↑\"}```",
		"whitespaced": "\n  {\"terms\":[{\"word\":\"GDP\",\"mean\":\"国内生产总值\"}],\"notes\":\"GDP↑\"}  \n",
	}
	for name, raw := range cases {
		got, err := decodeResult(raw)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if len(got.Terms) != 1 || got.Terms[0].Word != "GDP" || got.Terms[0].Mean != "国内生产总值" || got.Notes != "GDP↑" {
			t.Fatalf("%s: unexpected result %+v", name, got)
		}
	}
	for _, raw := range []string{"", "```json\n```", "not json", `{"terms": "oops"}`} {
		if _, err := decodeResult(raw); err == nil {
			t.Fatalf("expected %q to fail", raw)
		}
	}
}

func TestHTTPEnricher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.EnrichmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		switch req.Text {
		case "boom":
			http.Error(w, "upstream down", http.StatusBadGateway)
		case "garbage":
			_, _ = w.Write([]byte("<html>"))
		default:
			_ = json.NewEncoder(w).Encode(protocol.EnrichmentResult{
				Terms: []protocol.Term{{Word: req.Text, Mean: "m"}},
				Notes: "n:" + req.Text,
			})
		}
	}))
	defer srv.Close()

	e := NewHTTPEnricher(srv.URL, srv.Client())
	got, err := e.Enrich(context.Background(), "央行")
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(got.Terms) != 1 || got.Terms[0].Word != "央行" || got.Notes != "n:央行" {
		t.Fatalf("unexpected result %+v", got)
	}

	for text, op := range map[string]string{"boom": "status", "garbage": "decode"} {
		_, err := e.Enrich(context.Background(), text)
		var enrichErr *Error
		if !errors.As(err, &enrichErr) || enrichErr.Op != op {
			t.Fatalf("%s: expected %s error, got %v", text, op, err)
		}
	}

	closed := NewHTTPEnricher("http://127.0.0.1:1/enrich", nil)
	var enrichErr *Error
	if _, err := closed.Enrich(context.Background(), "x"); !errors.As(err, &enrichErr) || enrichErr.Op != "request" {
		t.Fatalf("expected request error, got %v", err)
	}
}

func TestOpenAIEnricher(t *testing.T) {
	var gotPrompt, gotModel, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		if len(body.Messages) > 0 {
			gotPrompt = body.Messages[0].Content
		}
		content := "```json\n{\"terms\":[{\"word\":\"通胀\",\"mean\":\"inflation\"}],\"notes\":\"通胀↑\"}\n```"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"model":   body.Model,
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEnricher(srv.URL+"/api/v3", "ark-key", "ep-test")
	got, err := e.Enrich(context.Background(), "通胀上升了。")
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(got.Terms) != 1 || got.Terms[0].Word != "通胀" || got.Notes != "通胀↑" {
		t.Fatalf("unexpected result %+v", got)
	}
	if gotModel != "ep-test" || gotAuth != "Bearer ark-key" {
		t.Fatalf("unexpected request model=%q auth=%q", gotModel, gotAuth)
	}
	if !strings.Contains(gotPrompt, `"通胀上升了。"`) || !strings.Contains(gotPrompt, `"terms"`) {
		t.Fatalf("prompt missing sentence or schema: %q", gotPrompt)
	}
}

func TestOpenAIEnricherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEnricher(srv.URL, "wrong", "ep-test")
	_, err := e.Enrich(context.Background(), "通胀上升了。")
	var enrichErr *Error
	if !errors.As(err, &enrichErr) || enrichErr.Op != "status" {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestExecEnricher(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e, err := NewExecEnricher(`sh -c 'cat >/dev/null; echo "{\"terms\":[{\"word\":\"w\",\"mean\":\"m\"}],\"notes\":\"from exec\"}"'`)
	if err != nil {
		t.Fatalf("new exec enricher: %v", err)
	}
	got, err := e.Enrich(context.Background(), "句子")
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if got.Notes != "from exec" || len(got.Terms) != 1 {
		t.Fatalf("unexpected result %+v", got)
	}

	failing, err := NewExecEnricher("sh -c 'exit 3'")
	if err != nil {
		t.Fatalf("new exec enricher: %v", err)
	}
	var enrichErr *Error
	if _, err := failing.Enrich(context.Background(), "句子"); !errors.As(err, &enrichErr) || enrichErr.Op != "run" {
		t.Fatalf("expected run error, got %v", err)
	}

	if _, err := NewExecEnricher("   "); err == nil {
		t.Fatal("expected empty command to fail")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cases := map[string]config.EnrichmentConfig{
		"mock":   {Mode: "mock"},
		"openai": {Mode: "openai", Endpoint: "https://ark.example.com/api/v3", Model: "ep"},
		"http":   {Mode: "http", Endpoint: "http://localhost:9000/process"},
		"exec":   {Mode: "exec", Command: "cat"},
	}
	for name, cfg := range cases {
		if e, err := New(cfg); err != nil || e == nil {
			t.Fatalf("%s: expected enricher, got %v", name, err)
		}
	}
	if _, err := New(config.EnrichmentConfig{Mode: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestMockEnricher(t *testing.T) {
	got, err := NewMockEnricher().Enrich(context.Background(), " 你好。 ")
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(got.Terms) != 1 || got.Terms[0].Word != "你好。" || got.Notes == "" {
		t.Fatalf("unexpected result %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockEnricher().Enrich(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
