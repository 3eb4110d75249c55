// Package engine adapts the llama.cpp server subprocess to the
// gateway's generation interface: it launches the engine binary via
// internal/supervisor, waits for its HTTP health endpoint to come up,
// renders prompts with internal/template, and turns the engine's
// native streaming completion API into dto.StreamFrame values.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gatewayd/internal/apierr"
	"gatewayd/internal/dto"
	"gatewayd/internal/registry"
	"gatewayd/internal/supervisor"
	"gatewayd/internal/template"
)

const (
	readyMaxAttempts   = 60
	readyPollInterval  = 500 * time.Millisecond
	readyOverallLimit  = 30 * time.Second
	postSpawnSettle    = 100 * time.Millisecond
	httpClientTimeout  = 300 * time.Second
	connectTimeout     = 5 * time.Second
	healthProbeTimeout = 2 * time.Second
)

// Handle identifies the currently loaded model.
type Handle struct {
	ModelID   string
	LoadedAt  time.Time
	CtxWindow int
}

// Health mirrors what the orchestrator's /health endpoint reports.
type Health struct {
	IsHealthy      bool
	ModelLoaded    *Handle
	ActiveRequests int
	UptimeSeconds  uint64
}

// Engine owns the subprocess lifecycle and the HTTP connection to it.
type Engine struct {
	sup        *supervisor.Supervisor
	binaryPath string
	port       int
	serverURL  string
	client     *http.Client

	startTime time.Time

	mu     sync.RWMutex
	handle *Handle

	activeMu sync.Mutex
	active   map[string]chan struct{}
}

// New constructs an Engine bound to a supervisor and the engine
// binary's listen port.
func New(sup *supervisor.Supervisor, binaryPath string, port int) *Engine {
	return &Engine{
		sup:        sup,
		binaryPath: binaryPath,
		port:       port,
		serverURL:  fmt.Sprintf("http://127.0.0.1:%d", port),
		client: &http.Client{
			Timeout: httpClientTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		startTime: time.Now(),
		active:    make(map[string]chan struct{}),
	}
}

// Load spawns the engine subprocess for model and blocks until it
// reports healthy, or fails after readyOverallLimit.
func (e *Engine) Load(ctx context.Context, model registry.ModelConfig) (*Handle, error) {
	log.Info().Str("model", model.ID).Str("path", model.Path).Msg("loading model")

	if e.sup.IsRunning() {
		if err := e.sup.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("error cleaning up previous engine process")
		}
	}
	supervisor.ReclaimOrphan(e.port)

	if !supervisor.PortAvailable(e.port) {
		return nil, apierr.New(apierr.KindRuntimeError, "port %d is already in use by another process", e.port)
	}

	args := []string{
		"--model", model.Path,
		"--ctx-size", fmt.Sprint(model.CtxWindow),
		"--n-gpu-layers", fmt.Sprint(model.Resources.GPULayers),
		"--host", "127.0.0.1",
		"--port", fmt.Sprint(e.port),
		"--threads", fmt.Sprint(model.Resources.Threads),
		"--n-predict", "-1",
		"--parallel", "4",
		"--cont-batching",
		"--flash-attn", "on",
	}

	if err := e.sup.Spawn(ctx, supervisor.Spec{BinaryPath: e.binaryPath, Args: args, Port: e.port}); err != nil {
		return nil, apierr.Wrap(apierr.KindModelLoadFailed, err, "starting engine binary")
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyOverallLimit)
	defer cancel()

	if err := e.waitForReady(readyCtx); err != nil {
		if cleanupErr := e.sup.Cleanup(); cleanupErr != nil {
			log.Error().Err(cleanupErr).Msg("failed to clean up engine process after load failure")
		}
		return nil, err
	}

	h := &Handle{ModelID: model.ID, LoadedAt: time.Now(), CtxWindow: model.CtxWindow}
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()

	log.Info().Str("model", model.ID).Msg("model loaded successfully")
	return h, nil
}

func (e *Engine) waitForReady(ctx context.Context) error {
	for attempt := 1; attempt <= readyMaxAttempts; attempt++ {
		if !e.sup.IsRunning() {
			return apierr.New(apierr.KindModelLoadFailed, "engine process died while waiting for readiness")
		}

		if h, err := e.rawHealth(ctx); err == nil && h.IsHealthy {
			log.Info().Int("attempts", attempt).Msg("engine server ready")
			return nil
		}

		select {
		case <-ctx.Done():
			return apierr.New(apierr.KindTimeout, "engine server failed to become ready after %d attempts", attempt)
		case <-time.After(readyPollInterval):
		}
	}
	return apierr.New(apierr.KindTimeout, "engine server failed to become ready after %d attempts", readyMaxAttempts)
}

// Handle returns the currently loaded model handle, if any.
func (e *Engine) Handle() *Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handle
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float32  `json:"temperature"`
	TopP          float32  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float32  `json:"repeat_penalty"`
	Stop          []string `json:"stop"`
	Stream        bool     `json:"stream"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// Generate starts a completion against the loaded model and streams
// dto.StreamFrame values on the returned channel until the channel is
// closed. The channel is unbuffered: the engine is contacted only after
// the Start frame has been received, and the caller must drain the
// channel until it is closed. Cancel(requestID) ends the stream early
// with an error frame, which is still delivered on the channel.
func (e *Engine) Generate(ctx context.Context, messages []template.Message, params dto.GenerationParams, model registry.ModelConfig, tpl template.Config) (<-chan dto.StreamFrame, error) {
	h := e.Handle()
	if h == nil || h.ModelID != model.ID {
		return nil, apierr.New(apierr.KindInvalidModel, "model %s is not the currently loaded model", model.ID)
	}

	prompt := template.FormatPrompt(messages, tpl)

	reqBody := completionRequest{
		Prompt:        prompt,
		NPredict:      params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		RepeatPenalty: params.RepeatPenalty,
		Stop:          params.StopSequences,
		Stream:        true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindSerialization, err, "encoding completion request")
	}

	cancelCh := make(chan struct{})
	e.activeMu.Lock()
	e.active[params.RequestID] = cancelCh
	e.activeMu.Unlock()

	genCtx, cancelGen := context.WithCancel(ctx)
	go func() {
		select {
		case <-cancelCh:
			cancelGen()
		case <-genCtx.Done():
		}
	}()

	httpReq, err := http.NewRequestWithContext(genCtx, http.MethodPost, e.serverURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		e.forgetRequest(params.RequestID)
		cancelGen()
		return nil, apierr.Wrap(apierr.KindRuntimeError, err, "building completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	out := make(chan dto.StreamFrame)

	go func() {
		defer close(out)
		defer cancelGen()
		defer e.forgetRequest(params.RequestID)

		out <- dto.StreamFrame{Kind: dto.StreamFrameStart, ID: params.RequestID, Model: model.ID, Role: dto.RoleAssistant}

		resp, err := e.client.Do(httpReq)
		if err != nil {
			if genCtx.Err() != nil {
				out <- dto.StreamFrame{Kind: dto.StreamFrameError, Message: "request cancelled", FinishReason: dto.FinishCancelled}
				return
			}
			out <- dto.StreamFrame{Kind: dto.StreamFrameError, Message: fmt.Sprintf("request failed: %v", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			out <- dto.StreamFrame{Kind: dto.StreamFrameError, Message: fmt.Sprintf("engine server error: %s", resp.Status)}
			return
		}

		e.streamCompletion(resp.Body, tpl, model.EOSToken, params, len(prompt)/4, out)
	}()

	return out, nil
}

func (e *Engine) streamCompletion(body io.Reader, tpl template.Config, eosToken string, params dto.GenerationParams, promptTokensEstimate int, out chan<- dto.StreamFrame) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var accumulated strings.Builder
	tokenCount := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		stopConsuming := false

		if chunk.Content != "" {
			result := template.ProcessStreamChunk(chunk.Content, tpl, params.StopSequences, eosToken, &accumulated)
			switch result.Kind {
			case template.StreamChunkPartial:
				out <- dto.StreamFrame{Kind: dto.StreamFrameDelta, Content: result.Content}
				tokenCount++
			case template.StreamChunkComplete:
				if result.Content != "" {
					out <- dto.StreamFrame{Kind: dto.StreamFrameDelta, Content: result.Content}
					tokenCount++
				}
			case template.StreamChunkPollutionStop:
				out <- dto.StreamFrame{Kind: dto.StreamFrameDelta, Content: result.Content}
				tokenCount++
				stopConsuming = true
			}
		}

		if chunk.Stop || stopConsuming {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		out <- dto.StreamFrame{Kind: dto.StreamFrameError, Message: fmt.Sprintf("stream error: %v", err)}
		return
	}

	out <- dto.StreamFrame{
		Kind:         dto.StreamFrameDone,
		FinishReason: dto.FinishStop,
		Usage: dto.Usage{
			PromptTokens:     promptTokensEstimate,
			CompletionTokens: tokenCount,
			TotalTokens:      promptTokensEstimate + tokenCount,
		},
	}
}

func (e *Engine) forgetRequest(requestID string) {
	e.activeMu.Lock()
	delete(e.active, requestID)
	e.activeMu.Unlock()
}

// Cancel stops an in-flight generation for requestID, if one exists.
func (e *Engine) Cancel(requestID string) {
	e.activeMu.Lock()
	ch, ok := e.active[requestID]
	if ok {
		delete(e.active, requestID)
	}
	e.activeMu.Unlock()

	if ok {
		close(ch)
		log.Info().Str("request_id", requestID).Msg("cancelled in-flight request")
	}
}

// ActiveCount reports how many generations are currently in flight.
func (e *Engine) ActiveCount() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// rawHealth probes the engine's /health endpoint under a bounded
// healthProbeTimeout, so a hung engine process is reported unhealthy
// instead of hanging the caller indefinitely.
func (e *Engine) rawHealth(ctx context.Context) (Health, error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.serverURL+"/health", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Health{IsHealthy: false}, nil
	}
	defer resp.Body.Close()
	return Health{IsHealthy: resp.StatusCode == http.StatusOK}, nil
}

// Health reports the engine's current health, matching the resolved
// model handle and active request count.
func (e *Engine) Health(ctx context.Context) Health {
	h, _ := e.rawHealth(ctx)
	h.ModelLoaded = e.Handle()
	h.ActiveRequests = e.ActiveCount()
	h.UptimeSeconds = uint64(time.Since(e.startTime).Seconds())
	return h
}

// Shutdown terminates the engine subprocess and clears loaded state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.handle = nil
	e.mu.Unlock()

	if err := e.sup.Cleanup(); err != nil {
		return apierr.Wrap(apierr.KindRuntimeError, err, "shutting down engine subprocess")
	}

	time.Sleep(postSpawnSettle)
	if !supervisor.PortAvailable(e.port) {
		log.Warn().Int("port", e.port).Msg("port still in use after engine shutdown")
	}
	return nil
}
