// Package registry loads the static catalog of models and prompt
// templates from a JSON file and resolves per-model generation
// defaults. It is read-only glue consumed by the engine adapter and the
// request orchestrator; spec-compliant behavior lives in
// internal/template and internal/dto.
package registry

import (
	"encoding/json"
	"os"
	"sort"

	"gatewayd/internal/apierr"
	"gatewayd/internal/dto"
	"gatewayd/internal/template"
)

// ModelResources describes the resource footprint of a model.
type ModelResources struct {
	MinRAMGB  float32 `json:"min_ram_gb"`
	EstDiskGB float32 `json:"est_disk_gb"`
	GPULayers int     `json:"gpu_layers"`
	Threads   int     `json:"threads"`
}

// ModelDefaults are the generation defaults a model registers.
type ModelDefaults struct {
	Temperature   float32 `json:"temperature"`
	TopP          float32 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float32 `json:"repeat_penalty"`
	MaxTokens     int     `json:"max_tokens"`
}

// ModelConfig is one entry in the registry file.
type ModelConfig struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Path          string         `json:"path"`
	CtxWindow     int            `json:"ctx_window"`
	TemplateID    string         `json:"template_id"`
	StopSequences []string       `json:"stop_sequences"`
	EOSToken      string         `json:"eos_token"`
	Defaults      ModelDefaults  `json:"defaults"`
	Resources     ModelResources `json:"resources"`
	Default       bool           `json:"default"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TemplateConfig is the JSON form of internal/template.Config, with the
// same fields; toTemplateConfig converts between the two.
type TemplateConfig struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	SystemPrefix        string `json:"system_prefix"`
	SystemSuffix        string `json:"system_suffix"`
	UserPrefix          string `json:"user_prefix"`
	UserSuffix          string `json:"user_suffix"`
	AssistantPrefix     string `json:"assistant_prefix"`
	AssistantSuffix     string `json:"assistant_suffix"`
	DefaultSystemPrompt string `json:"default_system_prompt"`
}

func (t TemplateConfig) toTemplateConfig() template.Config {
	return template.Config{
		ID:                  t.ID,
		Name:                t.Name,
		SystemPrefix:        t.SystemPrefix,
		SystemSuffix:        t.SystemSuffix,
		UserPrefix:          t.UserPrefix,
		UserSuffix:          t.UserSuffix,
		AssistantPrefix:     t.AssistantPrefix,
		AssistantSuffix:     t.AssistantSuffix,
		DefaultSystemPrompt: t.DefaultSystemPrompt,
	}
}

// Data is the on-disk JSON document shape.
type Data struct {
	Version   string           `json:"version"`
	Templates []TemplateConfig `json:"templates"`
	Models    []ModelConfig    `json:"models"`
}

// Registry resolves models and templates by id.
type Registry struct {
	models       map[string]ModelConfig
	templates    map[string]TemplateConfig
	defaultModel string
}

// Load reads and parses a registry JSON file at path.
func Load(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfigError, err, "reading model registry file")
	}
	return LoadJSON(content)
}

// LoadJSON parses a registry document already in memory.
func LoadJSON(content []byte) (*Registry, error) {
	var data Data
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, apierr.Wrap(apierr.KindConfigError, err, "parsing model registry JSON")
	}
	return fromData(data)
}

func fromData(data Data) (*Registry, error) {
	r := &Registry{
		models:    make(map[string]ModelConfig),
		templates: make(map[string]TemplateConfig),
	}
	for _, tpl := range data.Templates {
		r.templates[tpl.ID] = tpl
	}

	defaultFound := false
	for _, m := range data.Models {
		if m.Default {
			if defaultFound {
				return nil, apierr.New(apierr.KindConfigError, "multiple default models specified")
			}
			r.defaultModel = m.ID
			defaultFound = true
		}
		r.models[m.ID] = m
	}

	if !defaultFound && len(r.models) > 0 {
		ids := make([]string, 0, len(r.models))
		for id := range r.models {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		r.defaultModel = ids[0]
		if m, ok := r.models[r.defaultModel]; ok {
			m.Default = true
			r.models[r.defaultModel] = m
		}
	}

	return r, nil
}

// Model looks up a model by id.
func (r *Registry) Model(id string) (ModelConfig, error) {
	m, ok := r.models[id]
	if !ok {
		return ModelConfig{}, apierr.New(apierr.KindModelNotFound, "model not found: %s", id)
	}
	return m, nil
}

// DefaultModel returns the registry's resolved default model.
func (r *Registry) DefaultModel() (ModelConfig, error) {
	if r.defaultModel == "" {
		return ModelConfig{}, apierr.New(apierr.KindConfigError, "no default model configured")
	}
	return r.Model(r.defaultModel)
}

// Template looks up a prompt template by id.
func (r *Registry) Template(id string) (template.Config, error) {
	t, ok := r.templates[id]
	if !ok {
		return template.Config{}, apierr.New(apierr.KindConfigError, "template not found: %s", id)
	}
	return t.toTemplateConfig(), nil
}

// ModelTemplate resolves the template configured for modelID.
func (r *Registry) ModelTemplate(modelID string) (template.Config, error) {
	m, err := r.Model(modelID)
	if err != nil {
		return template.Config{}, err
	}
	return r.Template(m.TemplateID)
}

// GenerationParams builds the default GenerationParams for modelID.
func (r *Registry) GenerationParams(modelID string) (dto.GenerationParams, error) {
	m, err := r.Model(modelID)
	if err != nil {
		return dto.GenerationParams{}, err
	}
	return dto.GenerationParams{
		Temperature:   m.Defaults.Temperature,
		MaxTokens:     m.Defaults.MaxTokens,
		TopP:          m.Defaults.TopP,
		TopK:          m.Defaults.TopK,
		RepeatPenalty: m.Defaults.RepeatPenalty,
		StopSequences: append([]string{}, m.StopSequences...),
	}, nil
}

// ModelSummary is one entry of GET /models.
type ModelSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`
	Default       bool   `json:"default"`
}

// List returns every registered model, sorted by id.
func (r *Registry) List() []ModelSummary {
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ModelSummary, 0, len(ids))
	for _, id := range ids {
		m := r.models[id]
		out = append(out, ModelSummary{ID: m.ID, Name: m.Name, ContextWindow: m.CtxWindow, Default: m.Default})
	}
	return out
}

// Default returns a minimal single-model, single-template registry used
// when no registry file is configured, so the gateway is runnable out
// of the box.
func Default(modelPath string) *Registry {
	tpl := TemplateConfig{
		ID:                  "llama3",
		Name:                "Llama 3 Instruct",
		SystemPrefix:        "<|start_header_id|>system<|end_header_id|>\n\n",
		SystemSuffix:        "<|eot_id|>",
		UserPrefix:          "<|start_header_id|>user<|end_header_id|>\n\n",
		UserSuffix:          "<|eot_id|>",
		AssistantPrefix:     "<|start_header_id|>assistant<|end_header_id|>\n\n",
		AssistantSuffix:     "<|eot_id|>",
		DefaultSystemPrompt: "You are a helpful assistant.",
	}
	model := ModelConfig{
		ID:            "default",
		Name:          "Default Model",
		Path:          modelPath,
		CtxWindow:     8192,
		TemplateID:    tpl.ID,
		StopSequences: []string{"<|eot_id|>", "<|end_of_text|>", "<|start_header_id|>"},
		EOSToken:      "<|end_of_text|>",
		Defaults: ModelDefaults{
			Temperature:   0.6,
			TopP:          0.9,
			TopK:          40,
			RepeatPenalty: 1.15,
			MaxTokens:     256,
		},
		Resources: ModelResources{GPULayers: -1, Threads: 4},
		Default:   true,
	}
	r, _ := fromData(Data{Version: "1.0", Templates: []TemplateConfig{tpl}, Models: []ModelConfig{model}})
	return r
}
