package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// ResponseChunk 函数调用流的一个增量。普通内容放在 Content，
// 工具调用增量放在 ToolCalls（id/name/arguments 均可能分片到达）
type ResponseChunk struct {
	Content   string
	ToolCalls []openai.ToolCall
}

// Provider LLM 能力接口。两个方法都返回惰性流：
// channel 在流结束或出错时关闭，中途错误由实现方记录日志
type Provider interface {
	// Response 纯文本流式对话
	Response(ctx context.Context, sessionID string, dialogue []openai.ChatCompletionMessage) (<-chan string, error)
	// ResponseWithFunctions 携带函数定义的流式对话
	ResponseWithFunctions(ctx context.Context, sessionID string, dialogue []openai.ChatCompletionMessage, functions []openai.Tool) (<-chan ResponseChunk, error)
}
