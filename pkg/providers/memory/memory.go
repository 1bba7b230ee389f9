package memory

import (
	"context"

	"github.com/code-100-precent/LingVoice/pkg/dialogue"
	"github.com/code-100-precent/LingVoice/pkg/providers/llm"
)

// Provider 记忆能力接口。Init 绑定设备维度的记忆主体与总结用 LLM；
// QueryMemory 返回注入对话的记忆摘要；SaveMemory 在会话收尾时落库
type Provider interface {
	Init(roleID string, llm llm.Provider)
	QueryMemory(ctx context.Context, query string) (string, error)
	SaveMemory(ctx context.Context, msgs []dialogue.Message) error
}

// NoMem 不持久化任何内容的空实现
type NoMem struct{}

func NewNoMem() *NoMem { return &NoMem{} }

func (n *NoMem) Init(roleID string, llm llm.Provider) {}

func (n *NoMem) QueryMemory(ctx context.Context, query string) (string, error) {
	return "", nil
}

func (n *NoMem) SaveMemory(ctx context.Context, msgs []dialogue.Message) error {
	return nil
}
