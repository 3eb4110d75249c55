// Package dto defines the OpenAI-compatible wire types exchanged with
// clients: chat messages, requests, responses, and the StreamFrame
// variants the engine adapter hands to the SSE producer.
package dto

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"gatewayd/internal/apierr"
)

const (
	maxMessageContentChars = 100_000
	minTokens              = 1
	maxTokensLimit         = 4096
	temperatureMin         = 0.0
	temperatureMax         = 2.0
	topPMin                = 0.0
	topPMax                = 1.0
)

// Role is a chat message role. Unknown values normalize to RoleUser.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// NormalizeRole maps an arbitrary role string onto the known enum,
// defaulting to user for anything unrecognized.
func NormalizeRole(s string) Role {
	switch Role(strings.ToLower(s)) {
	case RoleSystem:
		return RoleSystem
	case RoleAssistant:
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON normalizes unknown role strings to "user" instead of
// rejecting the request outright.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.Role = NormalizeRole(a.Role)
	m.Content = a.Content
	return nil
}

// Validate enforces the message-level invariants from the data model.
func (m Message) Validate() error {
	if m.Content == "" {
		return apierr.New(apierr.KindBadRequest, "message content cannot be empty")
	}
	if utf8.RuneCountInString(m.Content) > maxMessageContentChars {
		return apierr.New(apierr.KindBadRequest, "message content too long (max %d chars)", maxMessageContentChars)
	}
	return nil
}

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model         *string   `json:"model,omitempty"`
	Messages      []Message `json:"messages"`
	Stream        *bool     `json:"stream,omitempty"`
	Temperature   *float32  `json:"temperature,omitempty"`
	MaxTokens     *int      `json:"max_tokens,omitempty"`
	TopP          *float32  `json:"top_p,omitempty"`
	TopK          *int      `json:"top_k,omitempty"`
	RepeatPenalty *float32  `json:"repeat_penalty,omitempty"`
}

// IsStreaming reports the effective streaming flag, defaulting to true.
func (r ChatRequest) IsStreaming() bool {
	if r.Stream == nil {
		return true
	}
	return *r.Stream
}

// ModelOrDefault returns the requested model id or "unknown".
func (r ChatRequest) ModelOrDefault() string {
	if r.Model == nil || *r.Model == "" {
		return "unknown"
	}
	return *r.Model
}

// Validate enforces every rule in the data model. It has no side
// effects; the orchestrator calls it after the rate-limit check and
// before any subprocess I/O.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return apierr.New(apierr.KindBadRequest, "messages array cannot be empty")
	}
	for _, m := range r.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	if r.Temperature != nil && (*r.Temperature < temperatureMin || *r.Temperature > temperatureMax) {
		return apierr.New(apierr.KindBadRequest, "temperature must be between %g and %g", temperatureMin, temperatureMax)
	}
	if r.MaxTokens != nil && (*r.MaxTokens < minTokens || *r.MaxTokens > maxTokensLimit) {
		return apierr.New(apierr.KindBadRequest, "max_tokens must be between %d and %d", minTokens, maxTokensLimit)
	}
	if r.TopP != nil && (*r.TopP < topPMin || *r.TopP > topPMax) {
		return apierr.New(apierr.KindBadRequest, "top_p must be between %g and %g", topPMin, topPMax)
	}
	if r.TopK != nil && *r.TopK < 1 {
		return apierr.New(apierr.KindBadRequest, "top_k must be at least 1")
	}
	if r.RepeatPenalty != nil && (*r.RepeatPenalty < 0.1 || *r.RepeatPenalty > 2.0) {
		return apierr.New(apierr.KindBadRequest, "repeat_penalty must be between 0.1 and 2.0")
	}
	return nil
}

// GenerationParams carries a request's sampling configuration plus the
// stop sequences derived from model config.
type GenerationParams struct {
	RequestID     string
	Temperature   float32
	MaxTokens     int
	TopP          float32
	TopK          int
	RepeatPenalty float32
	StopSequences []string
}

// ApplyOverrides returns a copy of params with any non-nil ChatRequest
// field applied on top.
func (p GenerationParams) ApplyOverrides(req ChatRequest) GenerationParams {
	out := p
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	if req.TopK != nil {
		out.TopK = *req.TopK
	}
	if req.RepeatPenalty != nil {
		out.RepeatPenalty = *req.RepeatPenalty
	}
	return out
}

// FinishReason mirrors the engine-neutral completion reason.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishCancelled     FinishReason = "cancelled"
	FinishError         FinishReason = "error"
)

// Usage is token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one non-streaming completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// DeltaContent is the incremental content of a streaming chunk.
type DeltaContent struct {
	Role    *Role   `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// StreamChoice is one choice within a streaming chunk.
type StreamChoice struct {
	Index        int           `json:"index"`
	Delta        DeltaContent  `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
}

// ChatCompletionChunk is one OpenAI-compatible SSE data payload.
type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamFrameKind tags a StreamFrame variant.
type StreamFrameKind int

const (
	StreamFrameStart StreamFrameKind = iota
	StreamFrameDelta
	StreamFrameDone
	StreamFrameError
)

// StreamFrame is the neutral representation the engine adapter emits
// and the SSE producer consumes. Exactly one of Done/Error terminates
// every stream.
type StreamFrame struct {
	Kind         StreamFrameKind
	ID           string
	Model        string
	Role         Role
	Content      string
	FinishReason FinishReason
	Usage        Usage
	Message      string // populated for StreamFrameError
}

// ErrorDetail is the body of an error response.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ErrorResponse is the full JSON error body, always paired with a
// matching HTTP status and an x-request-id header.
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id"`
}

// HealthStatus is the coarse health classification.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthResponse is the body of GET /health and /healthz.
type HealthResponse struct {
	Status        HealthStatus `json:"status"`
	ModelLoaded   bool         `json:"model_loaded"`
	Version       string       `json:"version"`
	UptimeSeconds uint64       `json:"uptime_seconds"`
}
