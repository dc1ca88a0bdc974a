package router

import (
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agpool/agpool/internal/pool"
)

func TestClassifyError429ParsesReasonAndRetryAfter(t *testing.T) {
	body := []byte(`{
		"error": {
			"code": 429,
			"status": "RESOURCE_EXHAUSTED",
			"details": [
				{"@type": "type.googleapis.com/google.rpc.ErrorInfo", "reason": "QUOTA_EXCEEDED", "metadata": {"model": "gemini-2.5-pro"}},
				{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "12s"}
			]
		}
	}`)

	c := ClassifyError(429, body)
	if !c.Recoverable {
		t.Fatalf("expected 429 to be recoverable")
	}
	if c.Reason != pool.ReasonQuotaExhausted {
		t.Fatalf("expected ReasonQuotaExhausted, got %v", c.Reason)
	}
	if c.Model != "gemini-2.5-pro" {
		t.Fatalf("expected model gemini-2.5-pro, got %q", c.Model)
	}
	if c.RetryAfter != 12*time.Second {
		t.Fatalf("expected retry-after 12s, got %v", c.RetryAfter)
	}
}

func TestClassify429ReasonMapping(t *testing.T) {
	cases := map[string]pool.RateLimitReason{
		"RATE_LIMIT_EXCEEDED":        pool.ReasonRPMExceeded,
		"MODEL_CAPACITY_EXHAUSTED":   pool.ReasonModelCapacityExhausted,
		"QUOTA_EXCEEDED":             pool.ReasonQuotaExhausted,
		"SOME_UNRECOGNIZED_REASON":   pool.ReasonQuotaExhausted,
		"":                           pool.ReasonQuotaExhausted,
	}
	for upstream, want := range cases {
		if got := classify429Reason(upstream); got != want {
			t.Errorf("classify429Reason(%q) = %v, want %v", upstream, got, want)
		}
	}
}

func TestClassifyErrorServerErrorsAreRecoverable(t *testing.T) {
	for _, code := range []int{500, 502, 503, 504} {
		c := ClassifyError(code, []byte(`{}`))
		if !c.Recoverable {
			t.Errorf("expected status %d to be recoverable", code)
		}
		if c.Reason != pool.ReasonServerError {
			t.Errorf("expected ReasonServerError for status %d, got %v", code, c.Reason)
		}
	}
}

func TestClassifyError5xxWithCapacityReasonIsModelCapacityExhausted(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"MODEL_CAPACITY_EXHAUSTED"}]}}`)
	for _, code := range []int{500, 502, 503, 504} {
		c := ClassifyError(code, body)
		if !c.Recoverable {
			t.Errorf("expected status %d to be recoverable", code)
		}
		if c.Reason != pool.ReasonModelCapacityExhausted {
			t.Errorf("expected ReasonModelCapacityExhausted for status %d carrying that reason, got %v", code, c.Reason)
		}
	}
}

func TestClassifyError400UsesRecoverabilityHeuristic(t *testing.T) {
	recoverable := ClassifyError(400, []byte(`{"error":{"message":"PERMISSION_DENIED: project is not associated"}}`))
	if !recoverable.Recoverable {
		t.Fatalf("expected a stale-project 400 to be recoverable")
	}

	notRecoverable := ClassifyError(400, []byte(`{"error":{"message":"invalid argument: missing field"}}`))
	if notRecoverable.Recoverable {
		t.Fatalf("expected a genuine bad-request 400 to not be recoverable")
	}
}

func TestClassifyErrorUnknownStatusIsNotRecoverable(t *testing.T) {
	c := ClassifyError(418, []byte(`{}`))
	if c.Recoverable {
		t.Fatalf("expected an unrecognized status code to default to non-recoverable")
	}
	if c.Reason != pool.ReasonUnknown {
		t.Fatalf("expected ReasonUnknown, got %v", c.Reason)
	}
}

func TestIsRecoverable400Markers(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{`{"message":"PERMISSION_DENIED"}`, true},
		{`{"message":"project is not associated with billing"}`, true},
		{`{"message":"Precondition check failed"}`, true},
		{`{"message":"field is required"}`, false},
	}
	for _, c := range cases {
		if got := IsRecoverable400([]byte(c.body)); got != c.want {
			t.Errorf("IsRecoverable400(%q) = %v, want %v", c.body, got, c.want)
		}
	}
}

func TestIsPromptTooLong(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{`{"error":{"message":"Prompt is too long for this model."}}`, true},
		{`{"error":{"status":"prompt_too_long"}}`, true},
		{`{"error":{"message":"field is required"}}`, false},
	}
	for _, c := range cases {
		if got := IsPromptTooLong([]byte(c.body)); got != c.want {
			t.Errorf("IsPromptTooLong(%q) = %v, want %v", c.body, got, c.want)
		}
	}
}

func TestIsPreviewNotFound(t *testing.T) {
	if !IsPreviewNotFound(404, []byte(`{"message":"model gemini-preview NOT_FOUND"}`)) {
		t.Fatalf("expected a 404 mentioning a preview model to be detected")
	}
	if IsPreviewNotFound(404, []byte(`{"message":"unrelated"}`)) {
		t.Fatalf("expected an unrelated 404 body to not match")
	}
	if IsPreviewNotFound(400, []byte(`{"message":"NOT_FOUND"}`)) {
		t.Fatalf("expected non-404 status codes to never match")
	}
}

func TestNeedsPreviewAccessHint(t *testing.T) {
	cases := map[string]bool{
		"claude-opus-4":      true,
		"antigravity-pro":    true,
		"claude-3-5-sonnet":  true,
		"gemini-2.5-pro":     false,
		"":                   false,
	}
	for model, want := range cases {
		if got := NeedsPreviewAccessHint(model); got != want {
			t.Errorf("NeedsPreviewAccessHint(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestRewritePreviewAccessHint(t *testing.T) {
	body := []byte(`{"error":{"message":"model not found","code":404}}`)
	rewritten := RewritePreviewAccessHint(body)
	if !strings.Contains(string(rewritten), "request preview access") {
		t.Fatalf("expected the rewritten body to carry the preview-access hint, got %s", rewritten)
	}
	if gjson.GetBytes(rewritten, "error.code").Int() != 404 {
		t.Fatalf("expected the rest of the body to be preserved, got %s", rewritten)
	}
}

func TestIsEmptyBody(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   bool
	}{
		{200, "", true},
		{200, "{}", true},
		{200, "[]", true},
		{200, `{"candidates":[]}`, false},
		{404, "", false},
	}
	for _, c := range cases {
		if got := IsEmptyBody(c.status, []byte(c.body)); got != c.want {
			t.Errorf("IsEmptyBody(%d, %q) = %v, want %v", c.status, c.body, got, c.want)
		}
	}
}
