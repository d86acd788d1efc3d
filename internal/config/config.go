package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// 响应者后端名称。
const (
	BackendOllama = "ollama"
	BackendArk    = "ark"
	BackendNone   = "none"
)

// defaultContextLimit 是附带给模型的最近交换条数。
const defaultContextLimit = 5

// ErrResponderDisabled 表示配置显式关闭了语言模型。
var ErrResponderDisabled = errors.New("responder backend disabled")

// Config 聚合整个程序的配置项。
type Config struct {
	Home      string
	Names     NamesConfig
	Responder ResponderConfig
	Memory    MemoryConfig
	Server    ServerConfig
	Tools     ToolsConfig
	Log       LogConfig
}

// NamesConfig 描述三方的显示名称。
type NamesConfig struct {
	Operator  string
	Responder string
	External  string
}

// ResponderConfig 描述大模型相关配置。
type ResponderConfig struct {
	Backend      string
	Timeout      time.Duration
	ContextLimit int
	Ollama       OllamaConfig
	Ark          ArkConfig
}

// OllamaConfig 描述本地 Ollama 服务。
type OllamaConfig struct {
	Host  string
	Model string
}

// ArkConfig 描述火山方舟模型配置。
type ArkConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// MemoryConfig 描述持久化记忆。
type MemoryConfig struct {
	MaxExchanges int
	SyncWrites   bool
	ArchivePath  string
}

// ServerConfig 描述 HTTP 服务配置。Addr 为空时不启动。
type ServerConfig struct {
	Addr string
}

// ToolsConfig 描述透传命令的工作目录。
type ToolsConfig struct {
	WorkDir string
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level string
	File  string
}

// fileConfig 是可选 YAML 文件的结构，环境变量优先级更高。
type fileConfig struct {
	Names struct {
		Operator  string `yaml:"operator"`
		Responder string `yaml:"responder"`
		External  string `yaml:"external"`
	} `yaml:"names"`
	Responder struct {
		Backend      string `yaml:"backend"`
		Timeout      string `yaml:"timeout"`
		ContextLimit *int   `yaml:"context_limit"`
		Ollama       struct {
			Host  string `yaml:"host"`
			Model string `yaml:"model"`
		} `yaml:"ollama"`
		Ark struct {
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
			Region  string `yaml:"region"`
		} `yaml:"ark"`
	} `yaml:"responder"`
	Memory struct {
		MaxExchanges *int   `yaml:"max_exchanges"`
		SyncWrites   *bool  `yaml:"sync_writes"`
		ArchivePath  string `yaml:"archive_path"`
	} `yaml:"memory"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	WorkDir string `yaml:"workdir"`
	Log     struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// Load 从 YAML 文件与环境变量加载配置。
func Load() (*Config, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	file, err := loadFile(getEnvOrDefault("ZLAB_CONFIG", filepath.Join(home, "config.yaml")))
	if err != nil {
		return nil, err
	}

	responder, err := loadResponderConfig(file)
	if err != nil {
		return nil, err
	}

	memory, err := loadMemoryConfig(file)
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig(getEnvOrDefault("ZLAB_HTTP_ADDR", file.HTTP.Addr))
	if err != nil {
		return nil, err
	}

	workDir := getEnvOrDefault("ZLAB_WORKDIR", file.WorkDir)
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
	}

	return &Config{
		Home: home,
		Names: NamesConfig{
			Operator:  getEnvOrDefault("ZLAB_OPERATOR_NAME", orDefault(file.Names.Operator, "Q")),
			Responder: getEnvOrDefault("ZLAB_RESPONDER_NAME", orDefault(file.Names.Responder, "Z")),
			External:  getEnvOrDefault("ZLAB_EXTERNAL_NAME", orDefault(file.Names.External, "EXT")),
		},
		Responder: responder,
		Memory:    memory,
		Server:    server,
		Tools:     ToolsConfig{WorkDir: expandHome(workDir)},
		Log: LogConfig{
			Level: strings.ToLower(getEnvOrDefault("ZLAB_LOG_LEVEL", orDefault(file.Log.Level, "info"))),
			File:  expandHome(getEnvOrDefault("ZLAB_LOG_FILE", orDefault(file.Log.File, filepath.Join(home, "zlab.log")))),
		},
	}, nil
}

func resolveHome() (string, error) {
	if home := strings.TrimSpace(os.Getenv("ZLAB_HOME")); home != "" {
		return expandHome(home), nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, ".zlab"), nil
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	raw, err := os.ReadFile(expandHome(path))
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return fc, nil
}

func loadResponderConfig(file fileConfig) (ResponderConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("ZLAB_RESPONDER", orDefault(file.Responder.Backend, BackendOllama)))
	switch backend {
	case BackendOllama, BackendArk, BackendNone:
	default:
		return ResponderConfig{}, fmt.Errorf("invalid ZLAB_RESPONDER value %q", backend)
	}

	timeout, err := parseDurationEnv("ZLAB_RESPONDER_TIMEOUT", orDefault(file.Responder.Timeout, "60s"))
	if err != nil {
		return ResponderConfig{}, err
	}

	contextLimit := defaultContextLimit
	if file.Responder.ContextLimit != nil {
		contextLimit = *file.Responder.ContextLimit
	}
	if override, err := parseOptionalIntEnv("ZLAB_CONTEXT_LIMIT"); err != nil {
		return ResponderConfig{}, err
	} else if override != nil {
		contextLimit = *override
	}
	// 0 表示不附带上下文，负数回落到默认值
	if contextLimit < 0 {
		contextLimit = defaultContextLimit
	}

	arkCfg, err := loadArkConfig(file)
	if err != nil {
		return ResponderConfig{}, err
	}

	return ResponderConfig{
		Backend:      backend,
		Timeout:      timeout,
		ContextLimit: contextLimit,
		Ollama: OllamaConfig{
			Host:  getEnvOrDefault("OLLAMA_HOST", orDefault(file.Responder.Ollama.Host, "http://localhost:11434")),
			Model: getEnvOrDefault("OLLAMA_MODEL", orDefault(file.Responder.Ollama.Model, "deepseek-r1:14b")),
		},
		Ark: arkCfg,
	}, nil
}

func loadArkConfig(file fileConfig) (ArkConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return ArkConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return ArkConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return ArkConfig{}, err
	}

	return ArkConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       getEnvOrDefault("Model", file.Responder.Ark.Model),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", orDefault(file.Responder.Ark.BaseURL, "https://ark.cn-beijing.volces.com/api/v3")),
		Region:      getEnvOrDefault("ARK_REGION", orDefault(file.Responder.Ark.Region, "cn-beijing")),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func loadMemoryConfig(file fileConfig) (MemoryConfig, error) {
	maxExchanges := 100
	if file.Memory.MaxExchanges != nil {
		maxExchanges = *file.Memory.MaxExchanges
	}
	if override, err := parseOptionalIntEnv("ZLAB_MAX_EXCHANGES"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil {
		maxExchanges = *override
	}
	if maxExchanges < 1 {
		return MemoryConfig{}, fmt.Errorf("invalid ZLAB_MAX_EXCHANGES value %d: must be positive", maxExchanges)
	}

	syncDefault := true
	if file.Memory.SyncWrites != nil {
		syncDefault = *file.Memory.SyncWrites
	}
	syncWrites, err := parseBoolEnv("ZLAB_SYNC_WRITES", syncDefault)
	if err != nil {
		return MemoryConfig{}, err
	}

	archivePath := getEnvOrDefault("ZLAB_ARCHIVE_PATH", file.Memory.ArchivePath)
	return MemoryConfig{
		MaxExchanges: maxExchanges,
		SyncWrites:   syncWrites,
		ArchivePath:  expandHome(archivePath),
	}, nil
}

// loadServerConfig 解析服务器监听地址，空值表示不启动。
func loadServerConfig(port string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		return ServerConfig{}, nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid ZLAB_HTTP_ADDR value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Enabled 表示是否配置了监听地址。
func (c ServerConfig) Enabled() bool {
	return c.Addr != ""
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 按所选后端创建模型实例。
func (c ResponderConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	switch c.Backend {
	case BackendOllama:
		chatModel, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: c.Ollama.Host,
			Model:   c.Ollama.Model,
			Timeout: c.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return chatModel, nil
	case BackendArk:
		return c.Ark.NewChatModel(ctx)
	case BackendNone:
		return nil, ErrResponderDisabled
	default:
		return nil, fmt.Errorf("unknown responder backend %q", c.Backend)
	}
}

// NewChatModel 使用方舟配置创建一个模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	chatModel, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return chatModel, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if userHome, err := os.UserHomeDir(); err == nil {
			return filepath.Join(userHome, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func orDefault(value, defaultValue string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key, defaultValue string) (time.Duration, error) {
	raw := getEnvOrDefault(key, defaultValue)
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
