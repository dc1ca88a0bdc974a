// Package router implements RequestRouter and ResponseClassifier: the
// per-attempt dispatch loop and the logic that turns a raw upstream
// response into a retry/rotate/fail decision.
package router

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agpool/agpool/internal/pool"
)

// Classification is the outcome ResponseClassifier hands back to the
// router's attempt loop.
type Classification struct {
	Recoverable bool
	Reason      pool.RateLimitReason
	RetryAfter  time.Duration // zero if the upstream gave no hint
	Model       string        // model named in the error detail, if any
	StatusCode  int
}

// ClassifyError inspects a non-2xx upstream response body (the Code
// Assist wire error shape: {"error":{"code","status","details":[...]}})
// and decides how the router should react.
func ClassifyError(statusCode int, body []byte) Classification {
	c := Classification{StatusCode: statusCode}

	root := gjson.GetBytes(body, "error")
	details := root.Get("details")

	var reasonStr, model string
	details.ForEach(func(_, detail gjson.Result) bool {
		t := detail.Get("@type").String()
		switch {
		case strings.HasSuffix(t, "ErrorInfo"):
			reasonStr = detail.Get("reason").String()
			model = detail.Get("metadata.model").String()
		case strings.HasSuffix(t, "RetryInfo"):
			if d := detail.Get("retryDelay").String(); d != "" {
				if parsed, err := time.ParseDuration(d); err == nil {
					c.RetryAfter = parsed
				}
			}
		}
		return true
	})
	c.Model = model

	switch statusCode {
	case 429:
		c.Reason = classify429Reason(reasonStr)
		c.Recoverable = true
	case 500, 502, 503, 504:
		// A 5xx can still carry an ErrorInfo detail naming
		// MODEL_CAPACITY_EXHAUSTED (capacity errors aren't always
		// surfaced as 429s); that needs the same same-endpoint retry
		// and fingerprint regeneration as a 429 capacity error, not the
		// generic server-error treatment.
		if reasonStr == "MODEL_CAPACITY_EXHAUSTED" {
			c.Reason = pool.ReasonModelCapacityExhausted
		} else {
			c.Reason = pool.ReasonServerError
		}
		c.Recoverable = true
	case 400:
		// RECOVERABLE_400: some upstream validation failures are
		// transient (e.g. a stale cached project ID) and worth a retry
		// with a rediscovered project; others are genuinely the
		// caller's fault. The router decides which via IsRecoverable400.
		c.Reason = pool.ReasonUnknown
		c.Recoverable = IsRecoverable400(body)
	default:
		c.Reason = pool.ReasonUnknown
		c.Recoverable = false
	}
	return c
}

func classify429Reason(upstreamReason string) pool.RateLimitReason {
	switch upstreamReason {
	case "RATE_LIMIT_EXCEEDED":
		return pool.ReasonRPMExceeded
	case "MODEL_CAPACITY_EXHAUSTED":
		return pool.ReasonModelCapacityExhausted
	case "QUOTA_EXCEEDED":
		return pool.ReasonQuotaExhausted
	default:
		return pool.ReasonQuotaExhausted
	}
}

// recoverable400Markers are substrings of a 400 response body that
// indicate a retry (typically after rediscovering the project ID) is
// likely to succeed, rather than the request itself being malformed.
var recoverable400Markers = []string{
	"PERMISSION_DENIED",
	"project is not associated",
	"Precondition check failed",
}

// IsRecoverable400 reports whether a 400 response looks like a stale-
// project-id condition rather than a genuinely bad request.
func IsRecoverable400(body []byte) bool {
	s := string(body)
	for _, marker := range recoverable400Markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// promptTooLongMarkers are substrings of a 400 response body indicating
// the request's context exceeds the model's window — terminal, but
// surfaced to the caller as a synthetic assistant turn rather than an
// error so the conversation session isn't locked.
var promptTooLongMarkers = []string{"Prompt is too long", "prompt_too_long"}

// IsPromptTooLong reports whether a 400 response body names an
// over-length prompt rather than a genuinely malformed request.
func IsPromptTooLong(body []byte) bool {
	s := string(body)
	for _, marker := range promptTooLongMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// IsPreviewNotFound reports whether a 404 body looks like the upstream
// rejecting a model the account isn't enrolled in the preview program
// for, rather than a genuinely unknown model name.
func IsPreviewNotFound(statusCode int, body []byte) bool {
	if statusCode != 404 {
		return false
	}
	return strings.Contains(string(body), "preview") || strings.Contains(string(body), "NOT_FOUND")
}

// previewGatedModelMarkers are substrings of a model name that indicate
// it's behind the preview access program, so a 404 against it gets the
// "request preview access" hint rather than being surfaced as a plain
// not-found.
var previewGatedModelMarkers = []string{"antigravity", "opus", "claude"}

// NeedsPreviewAccessHint reports whether model is one of the preview-
// gated families a 404 should carry the enrollment hint for.
func NeedsPreviewAccessHint(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range previewGatedModelMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// previewAccessHint is appended to a preview-gated 404's message so the
// caller knows this is an enrollment problem, not a typo'd model name.
const previewAccessHint = " (request preview access at https://antigravity.google/preview to use this model)"

// RewritePreviewAccessHint appends previewAccessHint to the error body's
// message field, leaving the rest of the body untouched.
func RewritePreviewAccessHint(body []byte) []byte {
	msg := gjson.GetBytes(body, "error.message").String()
	out, err := sjson.SetBytes(body, "error.message", msg+previewAccessHint)
	if err != nil {
		return body
	}
	return out
}

// IsEmptyBody reports whether a nominally-successful response carried no
// usable content — the router treats a repeated empty body as a failure
// worth retrying against a different account.
func IsEmptyBody(statusCode int, body []byte) bool {
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	trimmed := strings.TrimSpace(string(body))
	return trimmed == "" || trimmed == "{}" || trimmed == "[]"
}
