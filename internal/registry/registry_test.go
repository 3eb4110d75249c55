package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleRegistry = `{
  "version": "1.0",
  "templates": [
    {
      "id": "llama3",
      "name": "Llama 3",
      "system_prefix": "<sys>",
      "system_suffix": "</sys>",
      "user_prefix": "<usr>",
      "user_suffix": "</usr>",
      "assistant_prefix": "<asst>",
      "assistant_suffix": "</asst>",
      "default_system_prompt": "Be helpful."
    }
  ],
  "models": [
    {
      "id": "alpha",
      "name": "Alpha",
      "path": "alpha.gguf",
      "ctx_window": 4096,
      "template_id": "llama3",
      "stop_sequences": ["</asst>"],
      "eos_token": "<eos>",
      "defaults": {"temperature": 0.5, "top_p": 0.9, "top_k": 40, "repeat_penalty": 1.1, "max_tokens": 256},
      "resources": {"min_ram_gb": 4, "est_disk_gb": 4, "gpu_layers": -1, "threads": 4},
      "default": true
    },
    {
      "id": "beta",
      "name": "Beta",
      "path": "beta.gguf",
      "ctx_window": 2048,
      "template_id": "llama3",
      "stop_sequences": [],
      "eos_token": "<eos>",
      "defaults": {"temperature": 0.7, "top_p": 0.95, "top_k": 50, "repeat_penalty": 1.0, "max_tokens": 128},
      "resources": {"min_ram_gb": 2, "est_disk_gb": 2, "gpu_layers": 0, "threads": 2},
      "default": false
    }
  ]
}`

func TestLoadJSONResolvesDefaultModel(t *testing.T) {
	r, err := LoadJSON([]byte(sampleRegistry))
	require.NoError(t, err)

	m, err := r.DefaultModel()
	require.NoError(t, err)
	require.Equal(t, "alpha", m.ID)
}

func TestLoadJSONRejectsMultipleDefaults(t *testing.T) {
	doc := `{"version":"1.0","templates":[],"models":[
		{"id":"a","default":true,"defaults":{},"resources":{}},
		{"id":"b","default":true,"defaults":{},"resources":{}}
	]}`
	_, err := LoadJSON([]byte(doc))
	require.Error(t, err)
}

func TestLoadJSONPromotesFirstModelWhenNoneMarkedDefault(t *testing.T) {
	doc := `{"version":"1.0","templates":[],"models":[
		{"id":"b","defaults":{},"resources":{}},
		{"id":"a","defaults":{},"resources":{}}
	]}`
	r, err := LoadJSON([]byte(doc))
	require.NoError(t, err)
	m, err := r.DefaultModel()
	require.NoError(t, err)
	require.Equal(t, "a", m.ID)
}

func TestGenerationParamsCarriesStopSequences(t *testing.T) {
	r, err := LoadJSON([]byte(sampleRegistry))
	require.NoError(t, err)

	params, err := r.GenerationParams("alpha")
	require.NoError(t, err)
	require.Equal(t, []string{"</asst>"}, params.StopSequences)
	require.Equal(t, float32(0.5), params.Temperature)
}

func TestModelNotFoundReturnsAPIError(t *testing.T) {
	r, err := LoadJSON([]byte(sampleRegistry))
	require.NoError(t, err)

	_, err = r.Model("missing")
	require.Error(t, err)
}

func TestListIsSortedByID(t *testing.T) {
	r, err := LoadJSON([]byte(sampleRegistry))
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "alpha", list[0].ID)
	require.Equal(t, "beta", list[1].ID)
}

func TestDefaultRegistryIsUsable(t *testing.T) {
	r := Default("/models/default.gguf")
	m, err := r.DefaultModel()
	require.NoError(t, err)
	require.Equal(t, "default", m.ID)

	tpl, err := r.ModelTemplate("default")
	require.NoError(t, err)
	require.NotEmpty(t, tpl.AssistantPrefix)
}
