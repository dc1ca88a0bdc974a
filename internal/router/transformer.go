package router

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
	"google.golang.org/genai"

	"github.com/agpool/agpool/internal/pool"
)

// ChatRequest is the caller-facing request shape the core accepts,
// independent of the upstream wire format.
type ChatRequest struct {
	Model    string
	Messages []ChatMessage
	Stream   bool
}

// ChatMessage is one turn in a ChatRequest.
type ChatMessage struct {
	Role string // "user", "model"/"assistant", "system"
	Text string
}

// Transformer turns a caller-facing ChatRequest into the upstream wire
// body for a given family, and estimates its token count for the
// prompt-too-long check.
type Transformer interface {
	Transform(family pool.Family, req ChatRequest) ([]byte, error)
	EstimateTokens(req ChatRequest) (int, error)
	EstimateTokensFromJSON(body []byte) (int, error)
	// NeedsSignedThinkingWarmup reports whether a session must receive a
	// precursor request before its first real one, to establish per-
	// session state the family depends on (Claude's extended-thinking
	// signature). Gemini has no such requirement.
	NeedsSignedThinkingWarmup(family pool.Family, model string) bool
}

// DefaultTransformer implements Transformer for the Code Assist wire
// format shared by both families (Gemini native, Claude via Antigravity
// pass-through).
type DefaultTransformer struct {
	enc tokenizer.Codec
}

// NewDefaultTransformer builds a Transformer using cl100k_base token
// counting, a reasonable approximation across model families when an
// exact tokenizer isn't available for all of them.
func NewDefaultTransformer() (*DefaultTransformer, error) {
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("router: loading tokenizer: %w", err)
	}
	return &DefaultTransformer{enc: enc}, nil
}

// Transform builds the {"contents":[...]} body the Code Assist API
// expects, reusing genai's content/part types so the wire shape matches
// the upstream Gemini SDK exactly.
func (t *DefaultTransformer) Transform(family pool.Family, req ChatRequest) ([]byte, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, &genai.Content{
			Role:  normalizeRole(m.Role),
			Parts: []*genai.Part{{Text: m.Text}},
		})
	}

	envelope := map[string]any{
		"model":    req.Model,
		"contents": contents,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("router: marshaling request body: %w", err)
	}
	return body, nil
}

// NeedsSignedThinkingWarmup reports true only for Claude: its extended-
// thinking mode requires a signed precursor once per session, which
// Gemini's API has no equivalent for.
func (t *DefaultTransformer) NeedsSignedThinkingWarmup(family pool.Family, model string) bool {
	return family == pool.FamilyClaude
}

func normalizeRole(role string) string {
	switch role {
	case "assistant":
		return "model"
	case "":
		return "user"
	default:
		return role
	}
}

// EstimateTokens sums a cl100k_base token count across every message,
// used for the soft "prompt too long" pre-check before a request is ever
// dispatched to an account.
func (t *DefaultTransformer) EstimateTokens(req ChatRequest) (int, error) {
	total := 0
	for _, m := range req.Messages {
		ids, _, err := t.enc.Encode(m.Text)
		if err != nil {
			return 0, fmt.Errorf("router: estimating tokens: %w", err)
		}
		total += len(ids)
	}
	return total, nil
}

// EstimateTokensFromJSON sums a cl100k_base token count across every
// contents[].parts[].text field of an already wire-shaped request body,
// the client-side fallback Router.recordUsage uses when an upstream
// response carries no usageMetadata at all: soft-quota gating needs
// *some* token signal even then.
func (t *DefaultTransformer) EstimateTokensFromJSON(body []byte) (int, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0, nil
	}
	total := 0
	for _, content := range gjson.GetBytes(body, "contents").Array() {
		for _, part := range content.Get("parts").Array() {
			text := part.Get("text").String()
			if text == "" {
				continue
			}
			ids, _, err := t.enc.Encode(text)
			if err != nil {
				return 0, fmt.Errorf("router: estimating tokens from body: %w", err)
			}
			total += len(ids)
		}
	}
	return total, nil
}
