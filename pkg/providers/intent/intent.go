package intent

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/dialogue"
	"github.com/code-100-precent/LingVoice/pkg/providers/llm"
)

// 意图识别模式
const (
	TypeNoIntent     = "nointent"
	TypeIntentLLM    = "intent_llm"
	TypeFunctionCall = "function_call"
)

// Provider 意图识别能力接口。DetectIntent 返回意图描述（JSON 字符串），
// 识别不出意图时返回 continue_chat
type Provider interface {
	SetLLM(llm llm.Provider)
	DetectIntent(ctx context.Context, d *dialogue.Dialogue, text string) (string, error)
}

const continueChat = `{"intent": "continue_chat"}`

// NoIntent 不做任何识别，所有输入都走普通对话
type NoIntent struct{}

func NewNoIntent() *NoIntent { return &NoIntent{} }

func (n *NoIntent) SetLLM(llm llm.Provider) {}

func (n *NoIntent) DetectIntent(ctx context.Context, d *dialogue.Dialogue, text string) (string, error) {
	return continueChat, nil
}

// LLMIntent 用独立 LLM 做一次前置意图分类
type LLMIntent struct {
	llm    llm.Provider
	logger *zap.Logger
}

func NewLLMIntent(logger *zap.Logger) *LLMIntent {
	return &LLMIntent{logger: logger}
}

func (l *LLMIntent) SetLLM(p llm.Provider) { l.llm = p }

const intentPrompt = `你是一个意图分类器。根据用户最后一句话判断意图，只输出 JSON：
{"intent": "continue_chat"} 继续聊天
{"intent": "end_chat"} 结束对话
不要输出任何其他内容。`

func (l *LLMIntent) DetectIntent(ctx context.Context, d *dialogue.Dialogue, text string) (string, error) {
	if l.llm == nil {
		return continueChat, nil
	}
	msgs := []openai.ChatCompletionMessage{
		{Role: dialogue.RoleSystem, Content: intentPrompt},
		{Role: dialogue.RoleUser, Content: text},
	}
	stream, err := l.llm.Response(ctx, "intent", msgs)
	if err != nil {
		l.logger.Warn("意图识别请求失败", zap.Error(err))
		return continueChat, nil
	}
	var sb strings.Builder
	for chunk := range stream {
		sb.WriteString(chunk)
	}
	result := strings.TrimSpace(sb.String())
	if result == "" {
		return continueChat, nil
	}
	return result, nil
}
