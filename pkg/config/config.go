package config

import (
	"log"
	"os"
	"strings"

	"github.com/code-100-precent/LingVoice/pkg/logger"
	"github.com/code-100-precent/LingVoice/pkg/utils"
	"github.com/spf13/cast"
)

// Config main configuration structure
type Config struct {
	Server ServerConfig     `mapstructure:"server"`
	Log    logger.LogConfig `mapstructure:"log"`
	Auth   AuthConfig       `mapstructure:"auth"`

	// 会话相关
	ExitCommands               []string `mapstructure:"exit_commands"`
	CloseConnectionNoVoiceTime int      `mapstructure:"close_connection_no_voice_time"`
	TTSTimeout                 int      `mapstructure:"tts_timeout"`
	ReadConfigFromAPI          bool     `mapstructure:"read_config_from_api"`
	DeleteAudio                bool     `mapstructure:"delete_audio"`
	Prompt                     string   `mapstructure:"prompt"`

	// 发给客户端的欢迎帧模板（xiaozhi hello 协议）
	Welcome map[string]interface{} `mapstructure:"xiaozhi"`

	// 各能力模块选型与配置
	// MCP 服务接入点，工具在握手后动态注册
	MCPServers map[string]string `mapstructure:"mcp_servers"`

	SelectedModule SelectedModule  `mapstructure:"selected_module"`
	LLM            LLMConfig       `mapstructure:"llm"`
	IntentLLM      LLMConfig       `mapstructure:"intent_llm"`
	TTS            TTSConfig       `mapstructure:"tts"`
	Intent         IntentConfig    `mapstructure:"intent"`
	Memory         MemoryConfig    `mapstructure:"memory"`
	ManageAPI      ManageAPIConfig `mapstructure:"manage_api"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Addr string `env:"ADDR"`
	Mode string `env:"MODE"`
}

// AuthConfig authentication configuration
type AuthConfig struct {
	Enabled        bool     `env:"AUTH_ENABLED"`
	AllowedTokens  []string `env:"AUTH_ALLOWED_TOKENS"`
	AllowedDevices []string `env:"AUTH_ALLOWED_DEVICES"`
}

// SelectedModule 各能力模块的选型名
type SelectedModule struct {
	VAD    string `env:"SELECTED_VAD"`
	ASR    string `env:"SELECTED_ASR"`
	LLM    string `env:"SELECTED_LLM"`
	TTS    string `env:"SELECTED_TTS"`
	Memory string `env:"SELECTED_MEMORY"`
	Intent string `env:"SELECTED_INTENT"`
}

// LLMConfig LLM service configuration
type LLMConfig struct {
	APIKey  string `env:"LLM_API_KEY"`
	BaseURL string `env:"LLM_BASE_URL"`
	Model   string `env:"LLM_MODEL"`
}

// TTSConfig TTS service configuration
type TTSConfig struct {
	BaseURL   string `env:"TTS_BASE_URL"`
	APIKey    string `env:"TTS_API_KEY"`
	Voice     string `env:"TTS_VOICE"`
	OutputDir string `env:"TTS_OUTPUT_DIR"`
}

// IntentConfig 意图识别配置
// Type 取值：nointent / intent_llm / function_call
type IntentConfig struct {
	Type string `env:"INTENT_TYPE"`
	LLM  string `env:"INTENT_LLM"`
}

// MemoryConfig 记忆模块配置
type MemoryConfig struct {
	Type string `env:"MEMORY_TYPE"`
}

// ManageAPIConfig 管控接口配置（获取设备差异化配置）
type ManageAPIConfig struct {
	URL    string `env:"MANAGE_API_URL"`
	Secret string `env:"MANAGE_API_SECRET"`
}

// ParseMCPServers 解析 MCP 服务配置项，格式 name=url，逗号分隔
func ParseMCPServers(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		name, url, ok := strings.Cut(e, "=")
		if !ok || name == "" || url == "" {
			continue
		}
		out[name] = url
	}
	return out
}

var GlobalConfig *Config

func Load() error {
	// 1. 按环境加载 .env 文件（不存在时使用默认值，不影响启动）
	env := os.Getenv("APP_ENV")
	err := utils.LoadEnv(env)
	if err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. 加载全局配置
	GlobalConfig = &Config{
		Server: ServerConfig{
			Addr: utils.GetStringEnv("ADDR", ":8000"),
			Mode: utils.GetStringEnv("MODE", "development"),
		},
		Log: logger.LogConfig{
			Level:      utils.GetStringEnv("LOG_LEVEL", "info"),
			Filename:   utils.GetStringEnv("LOG_FILENAME", "./logs/app.log"),
			MaxSize:    utils.GetIntEnv("LOG_MAX_SIZE", 100),
			MaxAge:     utils.GetIntEnv("LOG_MAX_AGE", 30),
			MaxBackups: utils.GetIntEnv("LOG_MAX_BACKUPS", 5),
		},
		Auth: AuthConfig{
			Enabled:        utils.GetBoolEnv("AUTH_ENABLED", false),
			AllowedTokens:  utils.GetSliceEnv("AUTH_ALLOWED_TOKENS", nil),
			AllowedDevices: utils.GetSliceEnv("AUTH_ALLOWED_DEVICES", nil),
		},
		ExitCommands:               utils.GetSliceEnv("EXIT_COMMANDS", []string{"退出", "再见", "拜拜"}),
		CloseConnectionNoVoiceTime: utils.GetIntEnv("CLOSE_CONNECTION_NO_VOICE_TIME", 120),
		TTSTimeout:                 utils.GetIntEnv("TTS_TIMEOUT", 10),
		ReadConfigFromAPI:          utils.GetBoolEnv("READ_CONFIG_FROM_API", false),
		DeleteAudio:                utils.GetBoolEnv("DELETE_AUDIO", true),
		Prompt:                     utils.GetStringEnv("PROMPT", "你是小智，一个聪明的语音助手。回答要简短口语化。"),
		Welcome: map[string]interface{}{
			"type":      "hello",
			"version":   1,
			"transport": "websocket",
			"audio_params": map[string]interface{}{
				"format":         "opus",
				"sample_rate":    16000,
				"channels":       1,
				"frame_duration": 60,
			},
		},
		MCPServers: ParseMCPServers(utils.GetSliceEnv("MCP_SERVERS", nil)),
		SelectedModule: SelectedModule{
			VAD:    utils.GetStringEnv("SELECTED_VAD", "silero"),
			ASR:    utils.GetStringEnv("SELECTED_ASR", "funasr"),
			LLM:    utils.GetStringEnv("SELECTED_LLM", "openai"),
			TTS:    utils.GetStringEnv("SELECTED_TTS", "edge"),
			Memory: utils.GetStringEnv("SELECTED_MEMORY", "nomem"),
			Intent: utils.GetStringEnv("SELECTED_INTENT", "function_call"),
		},
		LLM: LLMConfig{
			APIKey:  utils.GetStringEnv("LLM_API_KEY", ""),
			BaseURL: utils.GetStringEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:   utils.GetStringEnv("LLM_MODEL", "gpt-4o-mini"),
		},
		IntentLLM: LLMConfig{
			APIKey:  utils.GetStringEnv("INTENT_LLM_API_KEY", ""),
			BaseURL: utils.GetStringEnv("INTENT_LLM_BASE_URL", ""),
			Model:   utils.GetStringEnv("INTENT_LLM_MODEL", ""),
		},
		TTS: TTSConfig{
			BaseURL:   utils.GetStringEnv("TTS_BASE_URL", ""),
			APIKey:    utils.GetStringEnv("TTS_API_KEY", ""),
			Voice:     utils.GetStringEnv("TTS_VOICE", "zh-CN-XiaoxiaoNeural"),
			OutputDir: utils.GetStringEnv("TTS_OUTPUT_DIR", os.TempDir()),
		},
		Intent: IntentConfig{
			Type: utils.GetStringEnv("INTENT_TYPE", "function_call"),
			LLM:  utils.GetStringEnv("INTENT_LLM", ""),
		},
		Memory: MemoryConfig{
			Type: utils.GetStringEnv("MEMORY_TYPE", "nomem"),
		},
		ManageAPI: ManageAPIConfig{
			URL:    utils.GetStringEnv("MANAGE_API_URL", ""),
			Secret: utils.GetStringEnv("MANAGE_API_SECRET", ""),
		},
	}
	return nil
}

// MaxCmdLength 退出命令的最大长度（供文本处理路径使用）
func (c *Config) MaxCmdLength() int {
	max := 0
	for _, cmd := range c.ExitCommands {
		if n := len([]rune(cmd)); n > max {
			max = n
		}
	}
	return max
}

// CloneWelcome 深拷贝欢迎帧模板，避免注入 session_id 时污染全局配置
func (c *Config) CloneWelcome() map[string]interface{} {
	return cloneMap(c.Welcome)
}

func cloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]interface{}); ok {
			dst[k] = cloneMap(m)
			continue
		}
		dst[k] = v
	}
	return dst
}

// GetWelcomeInt 读取欢迎帧模板中的整型字段（松散类型）
func (c *Config) GetWelcomeInt(path ...string) int {
	var cur interface{} = c.Welcome
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return 0
		}
		cur = m[key]
	}
	return cast.ToInt(cur)
}
