// Copyright 2025 The Emissia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the service configuration: YAML file plus
// environment overrides, followed by a SetDefaults/Validate pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderConfig is one OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMAssignment binds a role (agent, synthesis, ...) to a provider and model.
type LLMAssignment struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PathsConfig holds all filesystem roots the service touches.
type PathsConfig struct {
	ConfigDir    string `yaml:"config_dir"`
	SessionsDir  string `yaml:"sessions_dir"`
	OutputsDir   string `yaml:"outputs_dir"`
	UploadsDir   string `yaml:"uploads_dir"`
	FactorsDir   string `yaml:"factors_dir"`
	MicroDataDir string `yaml:"micro_data_dir"`
	MacroDataDir string `yaml:"macro_data_dir"`
}

// KnowledgeConfig configures the retrieval stack behind query_knowledge.
type KnowledgeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	QdrantHost     string `yaml:"qdrant_host"`
	QdrantPort     int    `yaml:"qdrant_port"`
	Collection     string `yaml:"collection"`
	EmbeddingModel string `yaml:"embedding_model"`
	RerankMode     string `yaml:"rerank_mode"` // api, local, none
	RerankModel    string `yaml:"rerank_model"`
	RerankURL      string `yaml:"rerank_url"`
	RerankTopN     int    `yaml:"rerank_top_n"`
}

// StandardizerConfig configures the optional local standardizer model.
type StandardizerConfig struct {
	UseLocalModel bool   `yaml:"use_local_model"`
	LocalBaseURL  string `yaml:"local_base_url"`
	LocalModel    string `yaml:"local_model"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Paths        PathsConfig               `yaml:"paths"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	AgentLLM     LLMAssignment             `yaml:"agent_llm"`
	SynthesisLLM LLMAssignment             `yaml:"synthesis_llm"`
	StandardLLM  LLMAssignment             `yaml:"standardizer_llm"`
	RefinerLLM   LLMAssignment             `yaml:"rag_refiner_llm"`
	Knowledge    KnowledgeConfig           `yaml:"knowledge"`
	Standardizer StandardizerConfig        `yaml:"standardizer"`
	Logging      LoggingConfig             `yaml:"logging"`
	HTTPProxy    string                    `yaml:"http_proxy"`
	HTTPSProxy   string                    `yaml:"https_proxy"`
}

// Load reads an optional YAML file, applies environment overrides and
// runs the defaults/validation pipeline. path may be empty.
func Load(path string) (*Config, error) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	return ProcessConfigPipeline(cfg)
}

// ProcessConfigPipeline applies defaults and validates.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: config cannot be nil")
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range []string{"qwen", "deepseek", "local"} {
		prefix := strings.ToUpper(name)
		p := c.Providers[name]
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(prefix + "_BASE_URL"); v != "" {
			p.BaseURL = v
		}
		c.Providers[name] = p
	}

	applyAssignmentEnv("AGENT_LLM", &c.AgentLLM)
	applyAssignmentEnv("SYNTHESIS_LLM", &c.SynthesisLLM)
	applyAssignmentEnv("STANDARDIZER_LLM", &c.StandardLLM)
	applyAssignmentEnv("RAG_REFINER_LLM", &c.RefinerLLM)

	if v := os.Getenv("HTTP_PROXY"); v != "" {
		c.HTTPProxy = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.HTTPSProxy = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OUTPUTS_DIR"); v != "" {
		c.Paths.OutputsDir = v
	}
	if v := os.Getenv("SESSIONS_DIR"); v != "" {
		c.Paths.SessionsDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("USE_LOCAL_STANDARDIZER"); v != "" {
		c.Standardizer.UseLocalModel = strings.EqualFold(v, "true")
	}
}

func applyAssignmentEnv(prefix string, a *LLMAssignment) {
	if v := os.Getenv(prefix + "_PROVIDER"); v != "" {
		a.Provider = v
	}
	if v := os.Getenv(prefix + "_MODEL"); v != "" {
		a.Model = v
	}
}

// SetDefaults fills in zero values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}

	if c.Paths.ConfigDir == "" {
		c.Paths.ConfigDir = "config"
	}
	if c.Paths.SessionsDir == "" {
		c.Paths.SessionsDir = filepath.Join("data", "sessions")
	}
	if c.Paths.OutputsDir == "" {
		c.Paths.OutputsDir = "outputs"
	}
	if c.Paths.UploadsDir == "" {
		c.Paths.UploadsDir = filepath.Join("data", "uploads")
	}
	if c.Paths.FactorsDir == "" {
		c.Paths.FactorsDir = filepath.Join("data", "emission_factors")
	}
	if c.Paths.MicroDataDir == "" {
		c.Paths.MicroDataDir = filepath.Join("data", "micro_emission")
	}
	if c.Paths.MacroDataDir == "" {
		c.Paths.MacroDataDir = filepath.Join("data", "macro_emission")
	}

	defaultAssignment(&c.AgentLLM, "qwen", "qwen-plus", 0.0, 8000)
	defaultAssignment(&c.SynthesisLLM, "qwen", "qwen-plus", 0.7, 8000)
	defaultAssignment(&c.StandardLLM, "qwen", "qwen-turbo-latest", 0.1, 200)
	defaultAssignment(&c.RefinerLLM, "qwen", "qwen-plus", 0.7, 8000)

	if c.Knowledge.QdrantHost == "" {
		c.Knowledge.QdrantHost = "localhost"
	}
	if c.Knowledge.QdrantPort == 0 {
		c.Knowledge.QdrantPort = 6334
	}
	if c.Knowledge.Collection == "" {
		c.Knowledge.Collection = "emission_knowledge"
	}
	if c.Knowledge.EmbeddingModel == "" {
		c.Knowledge.EmbeddingModel = "text-embedding-v3"
	}
	if c.Knowledge.RerankMode == "" {
		c.Knowledge.RerankMode = "api"
	}
	if c.Knowledge.RerankModel == "" {
		c.Knowledge.RerankModel = "gte-rerank-v2"
	}
	if c.Knowledge.RerankURL == "" {
		c.Knowledge.RerankURL = "https://dashscope.aliyuncs.com/api/v1/services/rerank/text-rerank/text-rerank"
	}
	if c.Knowledge.RerankTopN == 0 {
		c.Knowledge.RerankTopN = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}

func defaultAssignment(a *LLMAssignment, provider, model string, temperature float64, maxTokens int) {
	if a.Provider == "" {
		a.Provider = provider
	}
	if a.Model == "" {
		a.Model = model
	}
	if a.Temperature == 0 && temperature != 0 {
		a.Temperature = temperature
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = maxTokens
	}
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for _, a := range []struct {
		name string
		as   LLMAssignment
	}{
		{"agent_llm", c.AgentLLM},
		{"synthesis_llm", c.SynthesisLLM},
		{"standardizer_llm", c.StandardLLM},
		{"rag_refiner_llm", c.RefinerLLM},
	} {
		if _, ok := c.Providers[a.as.Provider]; !ok {
			return fmt.Errorf("%s references unknown provider %q", a.name, a.as.Provider)
		}
	}
	switch c.Knowledge.RerankMode {
	case "api", "local", "none":
	default:
		return fmt.Errorf("invalid rerank_mode %q", c.Knowledge.RerankMode)
	}
	return nil
}

// Proxy returns the effective proxy URL, HTTPS first.
func (c *Config) Proxy() string {
	if c.HTTPSProxy != "" {
		return c.HTTPSProxy
	}
	return c.HTTPProxy
}

// Assignment returns the LLM assignment for a role.
func (c *Config) Assignment(role string) LLMAssignment {
	switch role {
	case "synthesis":
		return c.SynthesisLLM
	case "standardizer":
		return c.StandardLLM
	case "rag_refiner":
		return c.RefinerLLM
	default:
		return c.AgentLLM
	}
}

// EnsureDirs creates all writable directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.SessionsDir, c.Paths.OutputsDir, c.Paths.UploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}
