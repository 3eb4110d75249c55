package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gatewayd/internal/dto"
	"gatewayd/internal/metrics"
)

func TestWriteStreamsStartDeltaDoneThenDoneMarker(t *testing.T) {
	frames := make(chan dto.StreamFrame, 4)
	frames <- dto.StreamFrame{Kind: dto.StreamFrameStart, ID: "r1", Model: "alpha", Role: dto.RoleAssistant}
	frames <- dto.StreamFrame{Kind: dto.StreamFrameDelta, Content: "hello"}
	frames <- dto.StreamFrame{Kind: dto.StreamFrameDone, FinishReason: dto.FinishStop}
	close(frames)

	rec := httptest.NewRecorder()
	cleaned := false
	Write(context.Background(), rec, frames, metrics.New(), func() { cleaned = true })

	body := rec.Body.String()
	require.Contains(t, body, `"role":"assistant"`)
	require.Contains(t, body, `"content":"hello"`)
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	require.True(t, cleaned)
}

func TestWriteRendersErrorFrameAsRuntimeError(t *testing.T) {
	frames := make(chan dto.StreamFrame, 2)
	frames <- dto.StreamFrame{Kind: dto.StreamFrameError, Message: "boom"}
	close(frames)

	rec := httptest.NewRecorder()
	Write(context.Background(), rec, frames, metrics.New(), func() {})

	require.Contains(t, rec.Body.String(), `"type":"runtime_error"`)
	require.Contains(t, rec.Body.String(), "boom")
}

func TestWriteRecordsCancellationNotGenericError(t *testing.T) {
	frames := make(chan dto.StreamFrame, 2)
	frames <- dto.StreamFrame{Kind: dto.StreamFrameError, Message: "request cancelled", FinishReason: dto.FinishCancelled}
	close(frames)

	m := metrics.New()
	rec := httptest.NewRecorder()
	Write(context.Background(), rec, frames, m, func() {})

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.CancelledRequests)
	require.Zero(t, snap.ErrorsByType["runtime_error"])
}

func TestWriteRecordsRuntimeErrorForNonCancellation(t *testing.T) {
	frames := make(chan dto.StreamFrame, 2)
	frames <- dto.StreamFrame{Kind: dto.StreamFrameError, Message: "boom"}
	close(frames)

	m := metrics.New()
	rec := httptest.NewRecorder()
	Write(context.Background(), rec, frames, m, func() {})

	snap := m.Snapshot()
	require.Zero(t, snap.CancelledRequests)
	require.Equal(t, uint64(1), snap.ErrorsByType["runtime_error"])
}

func TestWriteStopsOnContextCancellation(t *testing.T) {
	frames := make(chan dto.StreamFrame)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	cleaned := false
	Write(ctx, rec, frames, metrics.New(), func() { cleaned = true })
	require.True(t, cleaned)
}
