// Package config loads service settings from defaults, an optional TOML
// file, an optional .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Model      ModelConfig      `toml:"model"`
	Preprocess PreprocessConfig `toml:"preprocess"`
	LLM        LLMConfig        `toml:"llm"`
	Logging    LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	ReadTimeout     string `toml:"read_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	MaxUploadBytes  int64  `toml:"max_upload_bytes"`

	ReadTimeoutD     time.Duration `toml:"-"`
	ShutdownTimeoutD time.Duration `toml:"-"`
}

type ModelConfig struct {
	Path string `toml:"path"`
	// Device is cpu, cuda or cuda:N. CUDA needs an .onnx model.
	Device string `toml:"device"`
	// Strict refuses checkpoints that do not bind every parameter exactly.
	Strict         bool   `toml:"strict"`
	ONNXRuntimeLib string `toml:"onnx_runtime_lib"`

	DeviceD tensor.Device `toml:"-"`
}

type PreprocessConfig struct {
	MaxImagePixels int `toml:"max_image_pixels"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
	BaseURL  string `toml:"base_url"`
	Timeout  string `toml:"timeout"`

	TimeoutD time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8000",
			ReadTimeout:     "30s",
			ShutdownTimeout: "15s",
			MaxUploadBytes:  20 << 20,
		},
		Model: ModelConfig{
			Path:   "epoch_001_mAUROC_0.486525.pth",
			Device: "cpu",
		},
		Preprocess: PreprocessConfig{
			MaxImagePixels: 8192 * 8192,
		},
		LLM: LLMConfig{
			Provider: "groq",
			Timeout:  "60s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile decodes a TOML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}
	return cfg, nil
}

// Load builds the effective configuration. path may be empty. envFile is
// loaded when present; variables already set in the process win over it.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error
	if c.Server.ReadTimeoutD, err = time.ParseDuration(c.Server.ReadTimeout); err != nil {
		return fmt.Errorf("parse server.read_timeout: %w", err)
	}
	if c.Server.ShutdownTimeoutD, err = time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("parse server.shutdown_timeout: %w", err)
	}
	if c.LLM.TimeoutD, err = time.ParseDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("parse llm.timeout: %w", err)
	}
	if c.Model.DeviceD, err = tensor.ParseDevice(c.Model.Device); err != nil {
		return fmt.Errorf("parse model.device: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if c.Server.ReadTimeoutD <= 0 || c.Server.ShutdownTimeoutD <= 0 {
		return errors.New("server timeouts must be positive")
	}
	if strings.TrimSpace(c.Model.Path) == "" {
		return errors.New("model.path is required")
	}
	if c.Preprocess.MaxImagePixels <= 0 {
		return fmt.Errorf("preprocess.max_image_pixels must be positive, got %d", c.Preprocess.MaxImagePixels)
	}
	if c.LLM.TimeoutD <= 0 {
		return fmt.Errorf("llm.timeout must be positive, got %s", c.LLM.Timeout)
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "groq", "openai", "gemini":
	default:
		return fmt.Errorf("invalid llm.provider: %s (valid: groq, openai, gemini)", c.LLM.Provider)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

// providerKeyVars names the conventional API key variable per provider.
var providerKeyVars = map[string]string{
	"groq":   "GROQ_API_KEY",
	"openai": "OPENAI_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("INFERENCE_DEVICE"); v != "" {
		cfg.Model.Device = v
	}
	if v := os.Getenv("MODEL_STRICT"); v != "" {
		cfg.Model.Strict = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("ONNXRUNTIME_LIB"); v != "" {
		cfg.Model.ONNXRuntimeLib = v
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if name, ok := providerKeyVars[strings.ToLower(cfg.LLM.Provider)]; ok {
		if v := os.Getenv(name); v != "" {
			cfg.LLM.APIKey = v
		}
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_TIMEOUT"); v != "" {
		cfg.LLM.Timeout = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
