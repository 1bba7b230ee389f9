package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/config"
	"github.com/code-100-precent/LingVoice/pkg/providers/intent"
	"github.com/code-100-precent/LingVoice/pkg/providers/llm"
	"github.com/code-100-precent/LingVoice/pkg/providers/memory"
	"github.com/code-100-precent/LingVoice/pkg/providers/tts"
)

// Modules 一个会话可热替换的模块集合。差异化配置只会重建其中一部分
type Modules struct {
	LLM    llm.Provider
	TTS    tts.Provider
	Memory memory.Provider
	Intent intent.Provider
}

// InitializeModules 按配置构建模块集合。flags 指定需要构建的模块，
// 私有配置下发后可只重建发生变化的部分
func InitializeModules(cfg *config.Config, logger *zap.Logger, initLLM, initTTS, initMemory, initIntent bool) (*Modules, error) {
	m := &Modules{}

	if initLLM {
		m.LLM = llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, logger)
	}

	if initTTS {
		p, err := tts.NewHTTPProvider(cfg.TTS, cfg.DeleteAudio, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化TTS失败: %w", err)
		}
		m.TTS = p
	}

	if initMemory {
		m.Memory = memory.NewNoMem()
	}

	if initIntent {
		switch cfg.Intent.Type {
		case intent.TypeIntentLLM:
			p := intent.NewLLMIntent(logger)
			if cfg.IntentLLM.APIKey != "" {
				p.SetLLM(llm.NewOpenAIProvider(cfg.IntentLLM.APIKey, cfg.IntentLLM.BaseURL, cfg.IntentLLM.Model, logger))
			}
			m.Intent = p
		case intent.TypeFunctionCall, intent.TypeNoIntent, "":
			m.Intent = intent.NewNoIntent()
		default:
			return nil, fmt.Errorf("不支持的意图识别类型: %s", cfg.Intent.Type)
		}
	}

	return m, nil
}
