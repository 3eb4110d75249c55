// Package template renders chat messages into an engine-specific prompt
// and scrubs engine output of template control tokens and dialogue
// pollution before it reaches a client. Every function here is pure.
package template

import "strings"

// Config describes a prompt template for one model family.
type Config struct {
	ID                 string
	Name               string
	SystemPrefix       string
	SystemSuffix       string
	UserPrefix         string
	UserSuffix         string
	AssistantPrefix    string
	AssistantSuffix    string
	DefaultSystemPrompt string
}

// Role mirrors the chat message role enum.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the minimal shape FormatPrompt operates on.
type Message struct {
	Role    Role
	Content string
}

// templateMarkers are model-family control tokens stripped from every
// response regardless of which Config produced it.
var templateMarkers = []string{
	"<|eot_id|>",
	"<|end_of_text|>",
	"<|start_header_id|>",
	"<|end_header_id|>",
	"<|im_end|>",
	"<|im_start|>",
}

// rolePatterns mark the start of a line that mimics a two-party
// transcript rather than a direct answer.
var rolePatterns = []string{
	"AI:",
	"You:",
	"User:",
	"Assistant:",
	"System:",
	"Human:",
	"Bot:",
	"### Instruction:",
	"### Response:",
}

const (
	rolePollutionFallback = "I understand you'd like me to respond, but I should avoid role-playing conversations. How can I help you directly?"
	emptyResponseFallback = "I'm here to help. What would you like to know?"
)

// FormatPrompt renders messages into a single prompt string per cfg.
func FormatPrompt(messages []Message, cfg Config) string {
	var b strings.Builder
	hasSystem := false

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			b.WriteString(cfg.SystemPrefix)
			b.WriteString(m.Content)
			b.WriteString(cfg.SystemSuffix)
			hasSystem = true
		case RoleUser:
			if !hasSystem {
				b.WriteString(cfg.SystemPrefix)
				b.WriteString(cfg.DefaultSystemPrompt)
				b.WriteString(cfg.SystemSuffix)
				hasSystem = true
			}
			b.WriteString(cfg.UserPrefix)
			b.WriteString(m.Content)
			b.WriteString(cfg.UserSuffix)
		case RoleAssistant:
			b.WriteString(cfg.AssistantPrefix)
			b.WriteString(m.Content)
			b.WriteString(cfg.AssistantSuffix)
		default:
			// Unknown roles are normalized to user before reaching here;
			// treat defensively as user content if one slips through.
			b.WriteString(cfg.UserPrefix)
			b.WriteString(m.Content)
			b.WriteString(cfg.UserSuffix)
		}
	}

	b.WriteString(cfg.AssistantPrefix)
	return b.String()
}

// CleanResult is the outcome of CleanResponse.
type CleanResult struct {
	Content   string
	StoppedAt string // the stop sequence or EOS token that truncated the text, if any
}

// CleanResponse runs the full scrub pipeline over generated text: stop
// sequence truncation, echoed-marker stripping, control token removal,
// dialogue-pollution detection, and empty-response fallback.
func CleanResponse(text string, cfg Config, stopSequences []string, eosToken string) CleanResult {
	text, stoppedAt := truncateAtStopSequence(text, stopSequences, eosToken)
	text = removeTemplateEchoes(text, cfg)
	text = removeTemplateMarkers(text)
	text = removeRolePollution(text)
	text = strings.TrimSpace(text)
	if text == "" {
		text = emptyResponseFallback
	}
	return CleanResult{Content: text, StoppedAt: stoppedAt}
}

func truncateAtStopSequence(text string, stopSequences []string, eosToken string) (string, string) {
	candidates := stopSequences
	if eosToken != "" {
		candidates = append(append([]string{}, stopSequences...), eosToken)
	}
	earliest := -1
	var matched string
	for _, seq := range candidates {
		if seq == "" {
			continue
		}
		if idx := strings.Index(text, seq); idx != -1 && (earliest == -1 || idx < earliest) {
			earliest = idx
			matched = seq
		}
	}
	if earliest == -1 {
		return text, ""
	}
	return text[:earliest], matched
}

func removeTemplateEchoes(text string, cfg Config) string {
	if cfg.AssistantPrefix != "" && strings.HasPrefix(text, cfg.AssistantPrefix) {
		text = text[len(cfg.AssistantPrefix):]
	}
	if cfg.AssistantSuffix != "" && strings.HasSuffix(text, cfg.AssistantSuffix) {
		text = text[:len(text)-len(cfg.AssistantSuffix)]
	}
	return text
}

func removeTemplateMarkers(text string) string {
	for _, marker := range templateMarkers {
		if strings.Contains(text, marker) {
			text = strings.ReplaceAll(text, marker, "")
		}
	}
	return text
}

func removeRolePollution(text string) string {
	if strings.Contains(text, "AI:") && strings.Contains(text, "You:") {
		return rolePollutionFallback
	}

	lines := strings.Split(text, "\n")
	anyLineMatched := false
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		matchedPattern := ""
		for _, pattern := range rolePatterns {
			if strings.HasPrefix(trimmed, pattern) {
				matchedPattern = pattern
				break
			}
		}
		if matchedPattern == "" {
			kept = append(kept, line)
			continue
		}
		anyLineMatched = true
		remainder := strings.TrimSpace(trimmed[len(matchedPattern):])
		if remainder != "" {
			kept = append(kept, remainder)
		}
	}

	cleaned := strings.Join(kept, "\n")
	if !anyLineMatched {
		// No line started with a role marker; fall back to mid-line scrubs
		// for the two contexts where a marker commonly leaks inline.
		for _, pattern := range rolePatterns {
			cleaned = strings.ReplaceAll(cleaned, "\n"+pattern, "\n")
			cleaned = strings.ReplaceAll(cleaned, ". "+pattern, ". ")
		}
	}

	return strings.TrimSpace(cleaned)
}

// StreamChunkResult is the outcome of ProcessStreamChunk.
type StreamChunkResult struct {
	Kind      StreamChunkKind
	Content   string
	StoppedAt string
}

type StreamChunkKind int

const (
	StreamChunkBuffering StreamChunkKind = iota
	StreamChunkPartial
	StreamChunkComplete
	// StreamChunkPollutionStop signals a one-shot refusal substitution:
	// the caller must emit Content and stop reading further engine
	// output for this request, matching the accumulated-buffer dialogue
	// leak guard.
	StreamChunkPollutionStop
)

// ProcessStreamChunk appends chunk to buffer, checks the full
// accumulation (not just the newly-appended slice) for a dialogue-leak
// pattern or a stop condition, and returns one of: a one-shot
// pollution-refusal result that the caller must stop consuming further
// output after, a lightly-scrubbed partial piece to emit immediately,
// or, once a stop sequence or EOS token appears, the fully-cleaned
// accumulation.
func ProcessStreamChunk(chunk string, cfg Config, stopSequences []string, eosToken string, buffer *strings.Builder) StreamChunkResult {
	prevLen := buffer.Len()
	buffer.WriteString(chunk)
	full := buffer.String()

	if strings.Contains(full, "AI:") && strings.Contains(full, "You:") && !strings.Contains(full, rolePollutionFallback) {
		return StreamChunkResult{Kind: StreamChunkPollutionStop, Content: rolePollutionFallback}
	}

	if _, stoppedAt := truncateAtStopSequence(full, stopSequences, eosToken); stoppedAt != "" {
		result := CleanResponse(full, cfg, stopSequences, eosToken)
		return StreamChunkResult{Kind: StreamChunkComplete, Content: result.Content, StoppedAt: result.StoppedAt}
	}

	newly := full[prevLen:]
	scrubbed := removeRolePollution(newly)
	if scrubbed == "" {
		return StreamChunkResult{Kind: StreamChunkBuffering}
	}
	return StreamChunkResult{Kind: StreamChunkPartial, Content: scrubbed}
}

// ContainsTemplateMarker reports whether s contains any known control
// token. Exposed for tests that assert scrubbing completeness.
func ContainsTemplateMarker(s string) bool {
	for _, marker := range templateMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// ContainsRoleMarkerLine reports whether any line in s begins with a
// known dialogue role marker.
func ContainsRoleMarkerLine(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		for _, pattern := range rolePatterns {
			if strings.HasPrefix(trimmed, pattern) {
				return true
			}
		}
	}
	return false
}
