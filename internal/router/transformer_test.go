package router

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/agpool/agpool/internal/pool"
)

func TestTransformBuildsModelAndContents(t *testing.T) {
	tr, err := NewDefaultTransformer()
	if err != nil {
		t.Fatalf("constructing transformer: %v", err)
	}

	body, err := tr.Transform(pool.FamilyGemini, ChatRequest{
		Model: "gemini-2.5-pro",
		Messages: []ChatMessage{
			{Role: "user", Text: "hello"},
			{Role: "assistant", Text: "hi there"},
		},
	})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if !gjson.ValidBytes(body) {
		t.Fatalf("expected valid JSON, got %s", body)
	}
	if model := gjson.GetBytes(body, "model").String(); model != "gemini-2.5-pro" {
		t.Fatalf("expected model gemini-2.5-pro, got %q", model)
	}
	contents := gjson.GetBytes(body, "contents")
	if !contents.IsArray() || len(contents.Array()) != 2 {
		t.Fatalf("expected 2 contents entries, got %s", contents.Raw)
	}
}

func TestNormalizeRole(t *testing.T) {
	cases := map[string]string{
		"assistant": "model",
		"":          "user",
		"user":      "user",
		"system":    "system",
	}
	for in, want := range cases {
		if got := normalizeRole(in); got != want {
			t.Errorf("normalizeRole(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEstimateTokensSumsAcrossMessages(t *testing.T) {
	tr, err := NewDefaultTransformer()
	if err != nil {
		t.Fatalf("constructing transformer: %v", err)
	}

	single, err := tr.EstimateTokens(ChatRequest{Messages: []ChatMessage{{Text: "hello world"}}})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	double, err := tr.EstimateTokens(ChatRequest{Messages: []ChatMessage{{Text: "hello world"}, {Text: "hello world"}}})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if double != single*2 {
		t.Fatalf("expected token count to double with duplicated message, got %d vs %d", double, single)
	}
	if single == 0 {
		t.Fatalf("expected a non-zero token estimate for a non-empty message")
	}
}

func TestNeedsSignedThinkingWarmupOnlyForClaude(t *testing.T) {
	tr, err := NewDefaultTransformer()
	if err != nil {
		t.Fatalf("constructing transformer: %v", err)
	}
	if !tr.NeedsSignedThinkingWarmup(pool.FamilyClaude, "claude-opus-4") {
		t.Fatalf("expected Claude to need a signed-thinking warmup")
	}
	if tr.NeedsSignedThinkingWarmup(pool.FamilyGemini, "gemini-2.5-pro") {
		t.Fatalf("expected Gemini not to need a signed-thinking warmup")
	}
}
