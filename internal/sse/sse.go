// Package sse turns a channel of dto.StreamFrame values into an HTTP
// Server-Sent Events response, matching the OpenAI chat.completion.chunk
// wire format. A bounded channel decouples the engine's production rate
// from the client's consumption rate.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"gatewayd/internal/dto"
	"gatewayd/internal/metrics"
	"gatewayd/internal/ratelimit"
)

const (
	bufferSize   = 32
	chunkTimeout = 30 * time.Second
)

// CleanupFunc is invoked exactly once when production of a stream ends,
// regardless of how it ends (completed, errored, client disconnected).
type CleanupFunc func()

// Write drains frames and writes them to w as SSE events, in
// OpenAI chat.completion.chunk framing, finishing with a literal
// "data: [DONE]\n\n" line. Blocks until the stream is exhausted, the
// request context is cancelled, or a per-chunk timeout elapses.
func Write(ctx context.Context, w http.ResponseWriter, frames <-chan dto.StreamFrame, m *metrics.Metrics, cleanup CleanupFunc) {
	defer cleanup()

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bounded := rebuffer(ctx, frames, m)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-bounded:
			if !ok {
				return
			}
			if _, err := w.Write(ev); err != nil {
				log.Debug().Err(err).Msg("client disconnected during stream write")
				return
			}
			if canFlush {
				flusher.Flush()
			}
			if isDone(ev) {
				return
			}
		case <-time.After(chunkTimeout):
			log.Warn().Msg("stream chunk timeout, ending response")
			if m != nil {
				m.RecordTimeout()
			}
			return
		}
	}
}

// rebuffer reads raw frames and produces pre-rendered SSE byte chunks
// on a bounded channel, so a slow client never blocks the engine
// adapter's goroutine for longer than the channel's capacity allows.
func rebuffer(ctx context.Context, frames <-chan dto.StreamFrame, m *metrics.Metrics) <-chan []byte {
	out := make(chan []byte, bufferSize)

	go func() {
		defer close(out)

		requestID := ""
		model := ""
		created := time.Now().Unix()
		firstTokenRecorded := false
		streamStart := time.Now()

		for frame := range frames {
			if requestID == "" {
				requestID = frame.ID
			}
			if model == "" && frame.Model != "" {
				model = frame.Model
			}

			var payload []byte

			switch frame.Kind {
			case dto.StreamFrameStart:
				role := frame.Role
				chunk := dto.ChatCompletionChunk{
					ID: requestID, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []dto.StreamChoice{{Index: 0, Delta: dto.DeltaContent{Role: &role}}},
				}
				payload, _ = json.Marshal(chunk)

			case dto.StreamFrameDelta:
				if !firstTokenRecorded {
					firstTokenRecorded = true
					if m != nil {
						m.RecordFirstTokenLatency(uint64(time.Since(streamStart).Milliseconds()))
					}
				}
				if m != nil {
					m.RecordChunk()
				}
				content := frame.Content
				chunk := dto.ChatCompletionChunk{
					ID: requestID, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []dto.StreamChoice{{Index: 0, Delta: dto.DeltaContent{Content: &content}}},
				}
				payload, _ = json.Marshal(chunk)

			case dto.StreamFrameDone:
				reason := frame.FinishReason
				chunk := dto.ChatCompletionChunk{
					ID: requestID, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []dto.StreamChoice{{Index: 0, Delta: dto.DeltaContent{}, FinishReason: &reason}},
				}
				b, _ := json.Marshal(chunk)
				if !emit(ctx, out, formatEvent(b)) {
					return
				}
				if m != nil {
					m.RecordTokens(frame.Usage.PromptTokens, frame.Usage.CompletionTokens)
				}
				emit(ctx, out, []byte("data: [DONE]\n\n"))
				return

			case dto.StreamFrameError:
				if m != nil {
					if frame.FinishReason == dto.FinishCancelled {
						m.RecordCancellation()
					} else {
						m.RecordError("runtime_error", frame.Message)
					}
				}
				errBody, _ := json.Marshal(dto.ErrorResponse{
					Error: dto.ErrorDetail{Message: frame.Message, Type: "runtime_error"},
				})
				emit(ctx, out, formatEvent(errBody))
				return
			}

			if payload != nil {
				if !emit(ctx, out, formatEvent(payload)) {
					return
				}
			}
		}
	}()

	return out
}

func formatEvent(payload []byte) []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

func isDone(ev []byte) bool {
	return string(ev) == "data: [DONE]\n\n"
}

func emit(ctx context.Context, out chan<- []byte, b []byte) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// CleanupGuard composes the release-rate-limit-slot and
// complete-metrics-tracking side effects that must happen exactly once
// per request regardless of how the stream ended, mirroring a defer'd
// RAII guard.
func CleanupGuard(limiter *ratelimit.Limiter, ip string, m *metrics.Metrics, requestID string) CleanupFunc {
	return func() {
		limiter.Release(ip)
		if m != nil {
			m.CompleteRequest(requestID)
		}
	}
}
