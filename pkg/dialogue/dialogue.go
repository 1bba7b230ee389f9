package dialogue

import (
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// 对话角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message 对话消息。普通消息只有 Content；
// 助手发起工具调用时携带 ToolCalls，工具回复携带 ToolCallID
type Message struct {
	Role       string
	Content    string
	ToolCalls  []openai.ToolCall
	ToolCallID string
}

// Dialogue 会话级对话日志。system 消息固定在头部且可原地更新，
// 其余消息按插入顺序追加，该顺序即发送给 LLM 的顺序
type Dialogue struct {
	mu       sync.RWMutex
	messages []Message
}

func NewDialogue() *Dialogue {
	return &Dialogue{}
}

// Put 追加一条消息
func (d *Dialogue) Put(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
}

// UpdateSystemMessage 更新（或插入）头部的 system 消息
func (d *Dialogue) UpdateSystemMessage(prompt string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.messages) > 0 && d.messages[0].Role == RoleSystem {
		d.messages[0].Content = prompt
		return
	}
	d.messages = append([]Message{{Role: RoleSystem, Content: prompt}}, d.messages...)
}

// Messages 返回当前对话日志的拷贝
func (d *Dialogue) Messages() []Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Message, len(d.messages))
	copy(out, d.messages)
	return out
}

// Len 当前消息条数
func (d *Dialogue) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.messages)
}

// GetLLMDialogue 原始对话投影（OpenAI 消息格式）
func (d *Dialogue) GetLLMDialogue() []openai.ChatCompletionMessage {
	return d.project("")
}

// GetLLMDialogueWithMemory 在 system 消息之后插入记忆摘要的投影
func (d *Dialogue) GetLLMDialogueWithMemory(memoryStr string) []openai.ChatCompletionMessage {
	return d.project(memoryStr)
}

func (d *Dialogue) project(memoryStr string) []openai.ChatCompletionMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]openai.ChatCompletionMessage, 0, len(d.messages)+1)
	for i, msg := range d.messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		})
		if i == 0 && msg.Role == RoleSystem && memoryStr != "" {
			out = append(out, openai.ChatCompletionMessage{
				Role:    RoleSystem,
				Content: "以下是用户的历史记忆摘要：\n" + memoryStr,
			})
		}
	}
	if memoryStr != "" && (len(d.messages) == 0 || d.messages[0].Role != RoleSystem) {
		out = append([]openai.ChatCompletionMessage{{
			Role:    RoleSystem,
			Content: "以下是用户的历史记忆摘要：\n" + memoryStr,
		}}, out...)
	}
	return out
}
