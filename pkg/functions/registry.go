package functions

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Action 工具执行结果的后续动作
type Action int

const (
	// ActionResponse 直接把 Response 播报给用户
	ActionResponse Action = iota
	// ActionReqLLM 把 Result 作为工具消息回注对话，再次请求 LLM
	ActionReqLLM
	// ActionNotFound 未找到对应工具
	ActionNotFound
	// ActionError 工具执行出错
	ActionError
)

// ActionResult 工具执行结果
type ActionResult struct {
	Action   Action
	Result   string // 回注 LLM 的工具输出
	Response string // 直接播报的文本
}

// Handler 工具处理函数。arguments 为 LLM 生成的 JSON 参数串
type Handler func(ctx context.Context, arguments string) ActionResult

type entry struct {
	tool    openai.Tool
	handler Handler
}

// Registry 会话级工具注册表。内置工具在构建时注册，
// MCP 工具由 MCP 管理器在握手后动态补充
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register 注册一个工具及其处理函数
func (r *Registry) Register(tool openai.Tool, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tool.Function.Name] = entry{tool: tool, handler: handler}
}

// Has 工具是否已注册
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Tools 当前全部工具定义，发给 LLM 用
func (r *Registry) Tools() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]openai.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool)
	}
	return out
}

// Execute 执行指定工具
func (r *Registry) Execute(ctx context.Context, name, arguments string) ActionResult {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ActionResult{Action: ActionNotFound, Response: fmt.Sprintf("没有找到工具: %s", name)}
	}
	return e.handler(ctx, arguments)
}
