package router

import (
	"fmt"

	"github.com/tidwall/sjson"
)

// SynthesizeErrorEvent builds a single SSE `data: {...}\n\n` frame
// carrying a Gemini-shaped error envelope, for the case where the router
// gives up mid-stream and must still hand the client something in the
// format it expects rather than just closing the connection.
func SynthesizeErrorEvent(statusCode int, message string) []byte {
	payload := `{}`
	payload, _ = sjson.Set(payload, "error.code", statusCode)
	payload, _ = sjson.Set(payload, "error.message", message)
	payload, _ = sjson.Set(payload, "error.status", statusForCode(statusCode))
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// promptTooLongMessage is the assistant-facing text substituted for a
// prompt that exceeds the model's context window.
const promptTooLongMessage = "This conversation has grown too long for the model's context window. Start a new session or trim earlier turns to continue."

// SynthesizePromptTooLongEvent builds a single SSE candidate frame
// carrying a user-facing explanation in place of the oversized request,
// shaped like a normal completed assistant turn so the client's stream
// parser handles it the same way it would a real response.
func SynthesizePromptTooLongEvent() []byte {
	payload := `{}`
	payload, _ = sjson.Set(payload, "candidates.0.content.role", "model")
	payload, _ = sjson.Set(payload, "candidates.0.content.parts.0.text", promptTooLongMessage)
	payload, _ = sjson.Set(payload, "candidates.0.finishReason", "STOP")
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// SynthesizeResumeEvent builds a single SSE candidate frame carrying
// resumeText as a completed assistant turn, shaped the same way
// SynthesizePromptTooLongEvent is: a client configured for session
// recovery treats this as ordinary model output and can auto-continue
// the conversation with it rather than surfacing a hard error after an
// upstream hiccup that exhausted its own retries.
func SynthesizeResumeEvent(resumeText string) []byte {
	payload := `{}`
	payload, _ = sjson.Set(payload, "candidates.0.content.role", "model")
	payload, _ = sjson.Set(payload, "candidates.0.content.parts.0.text", resumeText)
	payload, _ = sjson.Set(payload, "candidates.0.finishReason", "STOP")
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

func statusForCode(code int) string {
	switch code {
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 401, 403:
		return "PERMISSION_DENIED"
	case 400:
		return "INVALID_ARGUMENT"
	case 404:
		return "NOT_FOUND"
	case 502, 503, 504:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}
