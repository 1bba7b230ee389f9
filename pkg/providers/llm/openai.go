package llm

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIProvider 基于 OpenAI 兼容接口的流式 LLM 实现
type OpenAIProvider struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAIProvider(apiKey, baseURL, model string, logger *zap.Logger) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

// Response 纯文本流式对话
func (p *OpenAIProvider) Response(ctx context.Context, sessionID string, dialogue []openai.ChatCompletionMessage) (<-chan string, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: dialogue,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				p.logger.Error("LLM 流式响应中断",
					zap.String("session_id", sessionID), zap.Error(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case out <- content:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ResponseWithFunctions 携带函数定义的流式对话，内容与工具调用增量分别透传
func (p *OpenAIProvider) ResponseWithFunctions(ctx context.Context, sessionID string, dialogue []openai.ChatCompletionMessage, functions []openai.Tool) (<-chan ResponseChunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: dialogue,
		Tools:    functions,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan ResponseChunk, 8)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				p.logger.Error("LLM 函数调用流中断",
					zap.String("session_id", sessionID), zap.Error(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content == "" && len(delta.ToolCalls) == 0 {
				continue
			}
			chunk := ResponseChunk{Content: delta.Content, ToolCalls: delta.ToolCalls}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
