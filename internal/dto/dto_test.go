package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func f32(v float32) *float32 { return &v }
func ip(v int) *int          { return &v }

func TestValidateRejectsEmptyMessages(t *testing.T) {
	req := ChatRequest{Messages: nil}
	err := req.Validate()
	require.Error(t, err)

	ae, ok := asAPIErr(err)
	require.True(t, ok)
	require.Equal(t, 400, ae.StatusCode())
}

func TestValidateRejectsOutOfRangeTemperature(t *testing.T) {
	req := ChatRequest{
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Temperature: f32(3.0),
	}
	require.Error(t, req.Validate())
}

func TestValidateRejectsEmptyMessageContent(t *testing.T) {
	req := ChatRequest{Messages: []Message{{Role: RoleUser, Content: ""}}}
	require.Error(t, req.Validate())
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := ChatRequest{
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
		MaxTokens: ip(128),
	}
	require.NoError(t, req.Validate())
}

func TestMessageUnmarshalNormalizesUnknownRole(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"weirdo","content":"hi"}`), &m))
	require.Equal(t, RoleUser, m.Role)
}

func TestApplyOverridesOnlyTouchesSetFields(t *testing.T) {
	base := GenerationParams{Temperature: 0.6, MaxTokens: 256, TopP: 0.9, TopK: 40, RepeatPenalty: 1.15}
	req := ChatRequest{MaxTokens: ip(64)}
	out := base.ApplyOverrides(req)

	require.Equal(t, 64, out.MaxTokens)
	require.Equal(t, float32(0.6), out.Temperature)
}

func asAPIErr(err error) (interface{ StatusCode() int }, bool) {
	type statusCoder interface{ StatusCode() int }
	sc, ok := err.(statusCoder)
	return sc, ok
}
