package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/dialogue"
	"github.com/code-100-precent/LingVoice/pkg/functions"
	"github.com/code-100-precent/LingVoice/pkg/utils"
)

// 工具触发的二次对话最多嵌套层数，防止模型循环调用工具
const maxToolDepth = 4

// Chat 普通流式对话。LLM 增量按终止标点切成分段，
// 每段立即提交合成并按序入队播报
func (h *ConnectionHandler) Chat(ctx context.Context, query string) {
	h.dialogue.Put(dialogue.Message{Role: dialogue.RoleUser, Content: query})

	memoryStr := h.queryMemory(ctx, query)
	h.setLLMFinish(false)

	stream, err := h.llmProvider.Response(ctx, h.sessionID, h.dialogue.GetLLMDialogueWithMemory(memoryStr))
	if err != nil {
		h.logger.Error("LLM请求失败",
			zap.String("session_id", h.sessionID), zap.Error(err))
		h.setLLMFinish(true)
		h.clearSpeakStatus()
		return
	}

	var responseMessage []string
	processedChars := 0
	textIndex := 0

	for content := range stream {
		if h.clientAbort.Load() {
			break
		}
		responseMessage = append(responseMessage, content)

		fullText := []rune(strings.Join(responseMessage, ""))
		currentText := fullText[processedChars:]
		lastPunct := utils.LastSentenceTerminator(string(currentText))
		if lastPunct < 0 {
			continue
		}
		segmentRaw := string(currentText[:lastPunct+1])
		segment := utils.SanitizeForTTS(segmentRaw)
		if segment != "" {
			textIndex++
			h.recodeFirstLastText(segment, textIndex)
			h.speakAndPlay(segment, textIndex)
		}
		processedChars += lastPunct + 1
	}

	// 流结束后把未到标点的尾巴也播出去
	fullText := []rune(strings.Join(responseMessage, ""))
	if !h.clientAbort.Load() && processedChars < len(fullText) {
		segment := utils.SanitizeForTTS(string(fullText[processedChars:]))
		if segment != "" {
			textIndex++
			h.recodeFirstLastText(segment, textIndex)
			h.speakAndPlay(segment, textIndex)
		}
	}

	h.setLLMFinish(true)
	// 没有产生任何分段时不会有 stop 帧，这里直接复位恢复收音
	if textIndex == 0 {
		h.clearSpeakStatus()
	}
	h.dialogue.Put(dialogue.Message{Role: dialogue.RoleAssistant, Content: string(fullText)})
}

// ChatWithFunctionCalling 带工具表的流式对话。
// 结构化 tool_calls 与内联 <tool_call> 文本两种触发方式都支持
func (h *ConnectionHandler) ChatWithFunctionCalling(ctx context.Context, query string) {
	h.dialogue.Put(dialogue.Message{Role: dialogue.RoleUser, Content: query})
	h.chatWithFunctionCalling(ctx, query, 0)
}

func (h *ConnectionHandler) chatWithFunctionCalling(ctx context.Context, query string, depth int) {
	memoryStr := ""
	if depth == 0 {
		memoryStr = h.queryMemory(ctx, query)
	}
	h.setLLMFinish(false)

	tools := append(h.registry.Tools(), h.mcpManager.Tools()...)
	stream, err := h.llmProvider.ResponseWithFunctions(ctx, h.sessionID,
		h.dialogue.GetLLMDialogueWithMemory(memoryStr), tools)
	if err != nil {
		h.logger.Error("LLM函数调用请求失败",
			zap.String("session_id", h.sessionID), zap.Error(err))
		h.setLLMFinish(true)
		h.clearSpeakStatus()
		return
	}

	var (
		responseMessage  []string
		processedChars   int
		textIndex        int
		toolCallFlag     bool
		functionID       string
		functionName     string
		functionArgs     strings.Builder
		contentArguments strings.Builder
	)

	for chunk := range stream {
		if h.clientAbort.Load() {
			break
		}

		if len(chunk.ToolCalls) > 0 {
			toolCallFlag = true
			tc := chunk.ToolCalls[0]
			if tc.ID != "" {
				functionID = tc.ID
			}
			if tc.Function.Name != "" {
				functionName = tc.Function.Name
			}
			functionArgs.WriteString(tc.Function.Arguments)
			continue
		}
		if chunk.Content == "" {
			continue
		}

		if !toolCallFlag {
			contentArguments.WriteString(chunk.Content)
			if strings.HasPrefix(strings.TrimSpace(contentArguments.String()), "<tool_call>") {
				// 模型把调用写进了正文，切换到工具模式，之前的内容不播报
				toolCallFlag = true
				continue
			}
		} else {
			contentArguments.WriteString(chunk.Content)
			continue
		}

		responseMessage = append(responseMessage, chunk.Content)
		fullText := []rune(strings.Join(responseMessage, ""))
		currentText := fullText[processedChars:]
		lastPunct := utils.LastSentenceTerminator(string(currentText))
		if lastPunct < 0 {
			continue
		}
		segment := utils.SanitizeForTTS(string(currentText[:lastPunct+1]))
		if segment != "" {
			textIndex++
			h.recodeFirstLastText(segment, textIndex)
			h.speakAndPlay(segment, textIndex)
		}
		processedChars += lastPunct + 1
	}

	if toolCallFlag {
		h.dispatchToolCall(ctx, functionID, functionName, functionArgs.String(),
			contentArguments.String(), textIndex, query, depth)
		return
	}

	fullText := []rune(strings.Join(responseMessage, ""))
	if !h.clientAbort.Load() && processedChars < len(fullText) {
		segment := utils.SanitizeForTTS(string(fullText[processedChars:]))
		if segment != "" {
			textIndex++
			h.recodeFirstLastText(segment, textIndex)
			h.speakAndPlay(segment, textIndex)
		}
	}

	h.setLLMFinish(true)
	if textIndex == 0 {
		h.clearSpeakStatus()
	}
	// 空响应不入对话日志，避免给后续轮次塞空消息
	if len(responseMessage) > 0 {
		h.dialogue.Put(dialogue.Message{Role: dialogue.RoleAssistant, Content: string(fullText)})
	}
}

// dispatchToolCall 整理工具调用参数并执行。
// 结构化调用缺失时退回从正文提取 JSON，并补发一个本地 id
func (h *ConnectionHandler) dispatchToolCall(ctx context.Context, functionID, functionName, functionArgs, contentArguments string, textIndex int, query string, depth int) {
	if functionID == "" {
		raw := utils.ExtractJSONFromString(contentArguments)
		if raw == "" {
			h.logger.Warn("工具调用内容无法解析",
				zap.String("session_id", h.sessionID), zap.String("content", contentArguments))
			h.speakToolContentFallback(contentArguments, textIndex)
			return
		}
		var inline struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(raw), &inline); err != nil || inline.Name == "" {
			h.logger.Warn("工具调用JSON解析失败",
				zap.String("session_id", h.sessionID), zap.Error(err))
			h.speakToolContentFallback(contentArguments, textIndex)
			return
		}
		functionName = inline.Name
		functionArgs = string(inline.Arguments)
		functionID = uuid.NewString()
	}

	h.logger.Info("执行工具调用",
		zap.String("session_id", h.sessionID),
		zap.String("function", functionName),
		zap.String("arguments", functionArgs))

	var result functions.ActionResult
	if h.mcpManager.IsMCPTool(functionName) {
		result = h.handleMCPToolCall(ctx, functionName, functionArgs)
	} else {
		result = h.registry.Execute(ctx, functionName, functionArgs)
	}

	call := openai.ToolCall{
		ID:   functionID,
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      functionName,
			Arguments: functionArgs,
		},
	}
	h.handleFunctionResult(ctx, result, call, textIndex, query, depth)
}

// speakToolContentFallback 正文里提取不出工具调用时，把累积文本当普通回复播报
func (h *ConnectionHandler) speakToolContentFallback(content string, textIndex int) {
	if strings.TrimSpace(content) == "" {
		h.setLLMFinish(true)
		h.clearSpeakStatus()
		return
	}
	h.speakSegment(content, textIndex+1)
	h.setLLMFinish(true)
	h.dialogue.Put(dialogue.Message{Role: dialogue.RoleAssistant, Content: content})
}

// handleMCPToolCall 执行 MCP 工具。失败或空结果都转为回注 LLM，由模型向用户解释
func (h *ConnectionHandler) handleMCPToolCall(ctx context.Context, name, arguments string) functions.ActionResult {
	text, err := h.mcpManager.ExecuteTool(ctx, name, arguments)
	if err != nil {
		h.logger.Warn("MCP工具调用失败",
			zap.String("session_id", h.sessionID),
			zap.String("tool", name), zap.Error(err))
	}
	return mcpResultToAction(text, err)
}

// mcpResultToAction 把 MCP 调用结果折算成统一的工具动作。
// 没有文本内容的成功调用同样按失败回注，让模型向用户致歉
func mcpResultToAction(text string, err error) functions.ActionResult {
	if err != nil {
		return functions.ActionResult{
			Action: functions.ActionReqLLM,
			Result: fmt.Sprintf("工具调用出错: %v", err),
		}
	}
	if text == "" {
		return functions.ActionResult{
			Action: functions.ActionReqLLM,
			Result: "工具调用失败，没有返回任何内容",
		}
	}
	return functions.ActionResult{Action: functions.ActionReqLLM, Result: text}
}

func (h *ConnectionHandler) handleFunctionResult(ctx context.Context, result functions.ActionResult, call openai.ToolCall, textIndex int, query string, depth int) {
	switch result.Action {
	case functions.ActionResponse:
		h.speakSegment(result.Response, textIndex+1)
		h.setLLMFinish(true)
		h.dialogue.Put(dialogue.Message{Role: dialogue.RoleAssistant, Content: result.Response})
		if call.Function.Name == functions.ExitFunctionName {
			h.closeAfterChat.Store(true)
		}

	case functions.ActionReqLLM:
		if result.Result == "" || depth+1 >= maxToolDepth {
			if depth+1 >= maxToolDepth {
				h.logger.Warn("工具调用嵌套过深，直接播报结果",
					zap.String("session_id", h.sessionID), zap.Int("depth", depth))
			}
			text := result.Result
			if text == "" {
				text = "操作已完成。"
			}
			h.speakSegment(text, textIndex+1)
			h.setLLMFinish(true)
			h.dialogue.Put(dialogue.Message{Role: dialogue.RoleAssistant, Content: text})
			return
		}
		h.dialogue.Put(dialogue.Message{
			Role:      dialogue.RoleAssistant,
			ToolCalls: []openai.ToolCall{call},
		})
		h.dialogue.Put(dialogue.Message{
			Role:       dialogue.RoleTool,
			Content:    result.Result,
			ToolCallID: call.ID,
		})
		h.chatWithFunctionCalling(ctx, query, depth+1)

	default:
		response := result.Response
		if response == "" {
			response = "工具执行失败了。"
		}
		h.speakSegment(response, textIndex+1)
		h.setLLMFinish(true)
		h.dialogue.Put(dialogue.Message{Role: dialogue.RoleAssistant, Content: response})
	}
}

// speakSegment 把一段固定文本作为下一个分段提交播报
func (h *ConnectionHandler) speakSegment(text string, index int) {
	segment := utils.SanitizeForTTS(text)
	if segment == "" {
		segment = text
	}
	if segment == "" {
		return
	}
	h.recodeFirstLastText(segment, index)
	h.speakAndPlay(segment, index)
}

// speakAndPlay 提交一段文本的合成任务并按序入队。
// 合成乱序完成也不影响播报顺序，顺序由队列保证
func (h *ConnectionHandler) speakAndPlay(text string, index int) {
	job := newTTSJob(text, index)
	submitted := h.executor.Submit(func() {
		if h.clientAbort.Load() {
			job.result <- ttsOutcome{err: fmt.Errorf("播报被客户端打断")}
			return
		}
		path, err := h.tts.ToTTS(text)
		job.result <- ttsOutcome{path: path, err: err}
	})
	if !submitted {
		return
	}
	select {
	case h.ttsQueue <- job:
	case <-h.stop:
	}
}

func (h *ConnectionHandler) queryMemory(ctx context.Context, query string) string {
	if h.memory == nil {
		return ""
	}
	memoryStr, err := h.memory.QueryMemory(ctx, query)
	if err != nil {
		h.logger.Debug("查询记忆失败",
			zap.String("session_id", h.sessionID), zap.Error(err))
		return ""
	}
	return memoryStr
}

func (h *ConnectionHandler) setLLMFinish(done bool) {
	h.speakMu.Lock()
	h.llmFinishTask = done
	h.speakMu.Unlock()
}
