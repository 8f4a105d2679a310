package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Storage       struct {
		Backend    string `json:"backend"`
		SQLitePath string `json:"sqlite_path"`
	} `json:"storage"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		SystemPrompt     string  `json:"system_prompt"`
		TimeoutSeconds   int     `json:"timeout_seconds"`
	} `json:"llm"`
	Bank struct {
		APIURL         string `json:"api_url"`
		APIKey         string `json:"api_key"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"bank"`
	Retry struct {
		MaxAttempts    int `json:"max_attempts"`
		InitialDelayMS int `json:"initial_delay_ms"`
		MaxDelayMS     int `json:"max_delay_ms"`
	} `json:"retry"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
}

// Storage backends.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

func defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".convpipe"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.Storage.Backend = BackendJSONL
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-3.5-turbo"
	cfg.LLM.MaxTokens = 1000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 16000
	cfg.LLM.OutputReserve = 1000
	cfg.LLM.TimeoutSeconds = 60
	cfg.Bank.TimeoutSeconds = 15
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelayMS = 1000
	cfg.Retry.MaxDelayMS = 30000
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:3000"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.APIKey = apiKey
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && cfg.LLM.Provider == "anthropic" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.BaseURL = baseURL
	}
	if bankURL := os.Getenv("BANK_API_URL"); bankURL != "" {
		cfg.Bank.APIURL = bankURL
	}
	if bankKey := os.Getenv("BANK_API_KEY"); bankKey != "" {
		cfg.Bank.APIKey = bankKey
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dataDir := os.Getenv("CONVPIPE_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	return cfg, nil
}

// SQLitePath returns the database file for the sqlite backend.
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.DataDir, "convpipe.db")
}

func (c *Config) LLMTimeout() time.Duration {
	return seconds(c.LLM.TimeoutSeconds)
}

func (c *Config) BankTimeout() time.Duration {
	return seconds(c.Bank.TimeoutSeconds)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dotted keys, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads a dotted key from the config file at path. Keys written
// with SetValue that have no Config field are found as well.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in an existing config file.
// Keys that already hold a string stay strings; otherwise the value is
// stored as a bool or number when it parses as one.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	if _, isString := flat[key].(string); isString {
		flat[key] = value
	} else {
		flat[key] = parseValue(value)
	}

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return s
}
