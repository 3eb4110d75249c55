// Package orchestrator composes the gateway's components into HTTP
// handlers: request validation, rate limiting, prompt generation,
// streaming or buffered responses, and the supporting /health,
// /metrics, /models and /version endpoints.
package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gatewayd/internal/apierr"
	"gatewayd/internal/dto"
	"gatewayd/internal/engine"
	"gatewayd/internal/metrics"
	"gatewayd/internal/ratelimit"
	"gatewayd/internal/registry"
	"gatewayd/internal/sse"
	"gatewayd/internal/template"
)

const version = "0.1.0"

// Server holds everything a request handler needs to do its job.
type Server struct {
	registry  *registry.Registry
	engine    *engine.Engine
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	startedAt time.Time
}

// New constructs a Server over the wired components.
func New(reg *registry.Registry, eng *engine.Engine, limiter *ratelimit.Limiter, m *metrics.Metrics) *Server {
	return &Server{registry: reg, engine: eng, limiter: limiter, metrics: m, startedAt: time.Now()}
}

// Router builds the HTTP route table.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.chatCompletionsHandler())
	mux.HandleFunc("/health", s.healthHandler())
	mux.HandleFunc("/healthz", s.healthzHandler())
	mux.HandleFunc("/metrics", s.metricsHandler())
	mux.HandleFunc("/models", s.modelsHandler())
	mux.HandleFunc("/version", s.versionHandler())
	return mux
}

func (s *Server) chatCompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		if r.Method != http.MethodPost {
			writeError(w, requestID, apierr.New(apierr.KindBadRequest, "method not allowed"))
			return
		}

		ip := clientIP(r)

		var req dto.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, requestID, apierr.Wrap(apierr.KindBadRequest, err, "decoding request body"))
			return
		}

		// Tracking begins as soon as request-id/model/streaming are known,
		// before the rate-limit check and validation, so rejected requests
		// still appear in total_requests and get a matching completion.
		streaming := req.IsStreaming()
		s.metrics.StartRequest(requestID, req.ModelOrDefault(), streaming)

		if !s.limiter.Check(ip) {
			s.metrics.RecordRateLimitHit(ip)
			rateLimitErr := apierr.New(apierr.KindRateLimitExceeded, "rate limit exceeded, try again shortly")
			recordErrorFromErr(s.metrics, rateLimitErr)
			s.metrics.CompleteRequest(requestID)
			writeError(w, requestID, rateLimitErr)
			return
		}

		if err := req.Validate(); err != nil {
			recordErrorFromErr(s.metrics, err)
			s.limiter.Release(ip)
			s.metrics.CompleteRequest(requestID)
			writeError(w, requestID, err)
			return
		}

		model, tpl, err := s.resolveModel(req.ModelOrDefault())
		if err != nil {
			recordErrorFromErr(s.metrics, err)
			s.limiter.Release(ip)
			s.metrics.CompleteRequest(requestID)
			writeError(w, requestID, err)
			return
		}

		cleanup := sse.CleanupGuard(s.limiter, ip, s.metrics, requestID)

		params, err := s.registry.GenerationParams(model.ID)
		if err != nil {
			recordErrorFromErr(s.metrics, err)
			cleanup()
			writeError(w, requestID, err)
			return
		}
		params = params.ApplyOverrides(req)
		params.RequestID = requestID

		messages := toTemplateMessages(req.Messages)

		frames, err := s.engine.Generate(r.Context(), messages, params, model, tpl)
		if err != nil {
			recordErrorFromErr(s.metrics, err)
			cleanup()
			writeError(w, requestID, err)
			return
		}

		if streaming {
			sse.Write(r.Context(), w, frames, s.metrics, cleanup)
			return
		}

		s.writeBuffered(w, frames, requestID, model.ID, cleanup)
	}
}

// recordErrorFromErr categorizes err via apierr.Category when possible,
// falling back to "internal" for unrecognized errors.
func recordErrorFromErr(m *metrics.Metrics, err error) {
	if apiErr, ok := apierr.As(err); ok {
		m.RecordError(apiErr.Category(), apiErr.Message)
		return
	}
	m.RecordError("internal", err.Error())
}

func (s *Server) writeBuffered(w http.ResponseWriter, frames <-chan dto.StreamFrame, requestID, modelID string, cleanup func()) {
	defer cleanup()

	var content string
	var role dto.Role = dto.RoleAssistant
	var finish dto.FinishReason = dto.FinishStop
	var usage dto.Usage
	errored := false
	var errMsg string
	var errFinish dto.FinishReason

	for frame := range frames {
		switch frame.Kind {
		case dto.StreamFrameStart:
			role = frame.Role
		case dto.StreamFrameDelta:
			content += frame.Content
		case dto.StreamFrameDone:
			finish = frame.FinishReason
			usage = frame.Usage
		case dto.StreamFrameError:
			errored = true
			errMsg = frame.Message
			errFinish = frame.FinishReason
		}
	}

	if errored {
		if errFinish == dto.FinishCancelled {
			s.metrics.RecordCancellation()
		} else {
			s.metrics.RecordError("runtime_error", errMsg)
		}
		writeError(w, requestID, apierr.New(apierr.KindRuntimeError, "%s", errMsg))
		return
	}

	s.metrics.RecordTokens(usage.PromptTokens, usage.CompletionTokens)

	resp := dto.ChatCompletionResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []dto.Choice{{
			Index:        0,
			Message:      dto.Message{Role: role, Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode chat completion response")
	}
}

func (s *Server) resolveModel(modelID string) (registry.ModelConfig, template.Config, error) {
	var model registry.ModelConfig
	var err error

	if modelID == "" || modelID == "unknown" {
		model, err = s.registry.DefaultModel()
	} else {
		model, err = s.registry.Model(modelID)
	}
	if err != nil {
		return registry.ModelConfig{}, template.Config{}, err
	}

	tpl, err := s.registry.Template(model.TemplateID)
	if err != nil {
		return registry.ModelConfig{}, template.Config{}, err
	}
	return model, tpl, nil
}

func toTemplateMessages(messages []dto.Message) []template.Message {
	out := make([]template.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, template.Message{Role: template.Role(m.Role), Content: m.Content})
	}
	return out
}

// healthResponse is shared by /health and /healthz: both report the same
// documented body (dto.HealthResponse).
func (s *Server) healthResponse(ctx context.Context) dto.HealthResponse {
	h := s.engine.Health(ctx)
	status := dto.HealthHealthy
	if !h.IsHealthy {
		status = dto.HealthUnhealthy
	} else if h.ModelLoaded == nil {
		status = dto.HealthDegraded
	}
	return dto.HealthResponse{
		Status:        status,
		ModelLoaded:   h.ModelLoaded != nil,
		Version:       version,
		UptimeSeconds: h.UptimeSeconds,
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.healthResponse(r.Context()))
	}
}

func (s *Server) healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.healthResponse(r.Context()))
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot())
	}
}

func (s *Server) modelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": s.registry.List()})
	}
}

func (s *Server) versionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, requestID string, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.KindInternal, err, "unexpected error")
	}
	writeJSON(w, apiErr.StatusCode(), dto.ErrorResponse{
		Error:     dto.ErrorDetail{Message: apiErr.Message, Type: string(apiErr.Kind), Code: apiErr.StatusCode()},
		RequestID: requestID,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
