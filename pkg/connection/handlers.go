package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/utils"
)

// 连续静音帧数达到该值认为一句话说完（auto 模式）
const silenceStopFrames = 15

// 无人声时上行缓冲只保留最近若干帧，留住句首
const preRollFrames = 10

type clientMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Mode  string `json:"mode"`
	Text  string `json:"text"`
}

func (h *ConnectionHandler) handleTextMessage(ctx context.Context, data []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("客户端消息解析失败: %w", err)
	}

	switch msg.Type {
	case "hello":
		return h.handleHelloMessage()
	case "abort":
		return h.handleAbortMessage()
	case "listen":
		return h.handleListenMessage(ctx, msg)
	case "ping":
		return nil
	default:
		h.logger.Debug("未识别的客户端消息类型",
			zap.String("session_id", h.sessionID), zap.String("type", msg.Type))
		return nil
	}
}

// sendWelcomeMessage 欢迎帧模板注入会话标识后下发，
// 连接建立时主动发一次，客户端补发 hello 时再回应一次
func (h *ConnectionHandler) sendWelcomeMessage() error {
	welcome := h.cfg.CloneWelcome()
	welcome["session_id"] = h.sessionID
	return h.writer.SendJSON(welcome)
}

func (h *ConnectionHandler) handleHelloMessage() error {
	return h.sendWelcomeMessage()
}

// handleAbortMessage 客户端打断。置软中止位并立即让客户端停止播放，
// 不强杀进行中的合成任务，由各环节自行丢弃后续产物
func (h *ConnectionHandler) handleAbortMessage() error {
	h.logger.Info("客户端打断播报", zap.String("session_id", h.sessionID))
	h.clientAbort.Store(true)
	h.sendTTSState("stop")
	h.clearSpeakStatus()
	return nil
}

func (h *ConnectionHandler) handleListenMessage(ctx context.Context, msg clientMessage) error {
	switch msg.State {
	case "start":
		if msg.Mode != "" {
			h.clientListenMode = msg.Mode
		}
		h.clientHaveVoice = false
		h.clientVoiceStop = false
		h.silenceFrames = 0
		h.asrAudio = h.asrAudio[:0]
		h.resetVADStates()
	case "stop":
		h.clientVoiceStop = true
		if len(h.asrAudio) > 0 {
			h.handleVoiceStop(ctx)
		}
	case "detect":
		// 客户端本地唤醒词识别出的文本直接进入对话
		h.clientHaveVoice = true
		if msg.Text != "" {
			h.sendSTTMessage(msg.Text)
			h.startToChat(ctx, msg.Text)
		}
	}
	return nil
}

// handleAudioMessage 上行音频帧。auto 模式下用 VAD 决定句子边界，
// manual 模式完全听客户端的 listen start/stop
func (h *ConnectionHandler) handleAudioMessage(ctx context.Context, frame []byte) {
	haveVoice := h.clientHaveVoice
	if h.clientListenMode == "auto" && h.vad != nil {
		v, err := h.vad.IsVAD(frame)
		if err != nil {
			h.logger.Debug("VAD检测失败",
				zap.String("session_id", h.sessionID), zap.Error(err))
		} else {
			haveVoice = v
		}
	}

	// 播报途中检测到人声视为打断，复位后这一帧继续进入缓冲
	if haveVoice && h.isSpeaking() {
		_ = h.handleAbortMessage()
	}
	if !h.asrServerReceive.Load() {
		return
	}

	if !haveVoice && !h.clientHaveVoice {
		h.asrAudio = append(h.asrAudio, frame)
		if len(h.asrAudio) > preRollFrames {
			h.asrAudio = h.asrAudio[len(h.asrAudio)-preRollFrames:]
		}
		return
	}

	h.asrAudio = append(h.asrAudio, frame)
	if haveVoice {
		h.clientHaveVoice = true
		h.silenceFrames = 0
		return
	}

	if h.clientListenMode == "auto" {
		h.silenceFrames++
		if h.silenceFrames >= silenceStopFrames {
			h.handleVoiceStop(ctx)
		}
	}
}

// handleVoiceStop 一句话结束，送 ASR 并进入对话
func (h *ConnectionHandler) handleVoiceStop(ctx context.Context) {
	audio := make([][]byte, len(h.asrAudio))
	copy(audio, h.asrAudio)
	h.resetVADStates()

	if h.asr == nil || len(audio) == 0 {
		return
	}

	start := time.Now()
	text, artifact, err := h.asr.SpeechToText(ctx, audio, h.sessionID)
	if artifact != "" {
		h.cleanupAudioFile(artifact)
	}
	if err != nil {
		h.logger.Error("语音识别失败",
			zap.String("session_id", h.sessionID), zap.Error(err))
		return
	}
	h.logger.Info("语音识别完成",
		zap.String("session_id", h.sessionID),
		zap.String("text", text),
		zap.Duration("cost", time.Since(start)))

	if strings.TrimSpace(text) == "" {
		return
	}
	h.sendSTTMessage(text)
	// 回复播完之前不再收音，打断检测不受此限制
	h.asrServerReceive.Store(false)
	h.startToChat(ctx, text)
}

// resetVADStates 轮次边界复位上行语音状态
func (h *ConnectionHandler) resetVADStates() {
	h.asrAudio = h.asrAudio[:0]
	h.clientHaveVoice = false
	h.clientVoiceStop = false
	h.silenceFrames = 0
	if h.vad != nil {
		h.vad.Reset()
	}
}

// startToChat 识别文本进入对话前的统一入口：
// 绑定检查、退出命令、意图分流，然后交给任务池跑对话
func (h *ConnectionHandler) startToChat(ctx context.Context, text string) {
	if h.needBind {
		h.speakBindCode()
		return
	}

	if h.isExitCommand(text) {
		h.logger.Info("收到退出命令", zap.String("session_id", h.sessionID))
		h.chatAndClose(ctx, "用户说了再见，请向用户温暖地道别。")
		return
	}

	// 新一轮对话开始，解除上一轮的打断状态
	h.clientAbort.Store(false)

	if h.useFunctionCalling() {
		h.executor.Submit(func() { h.ChatWithFunctionCalling(ctx, text) })
		return
	}

	if h.intent != nil {
		intentResult, err := h.intent.DetectIntent(ctx, h.dialogue, text)
		if err == nil && strings.Contains(intentResult, "end_chat") {
			h.chatAndClose(ctx, text)
			return
		}
	}
	h.executor.Submit(func() { h.Chat(ctx, text) })
}

func (h *ConnectionHandler) isExitCommand(text string) bool {
	cleaned := utils.SanitizeForTTS(text)
	for _, cmd := range h.cfg.ExitCommands {
		if cleaned == cmd {
			return true
		}
	}
	return false
}

// chatAndClose 播完最后一轮回复后关闭连接
func (h *ConnectionHandler) chatAndClose(ctx context.Context, text string) {
	h.closeAfterChat.Store(true)
	h.clientAbort.Store(false)
	h.executor.Submit(func() { h.Chat(ctx, text) })
}

// speakBindCode 设备未绑定时播报绑定码
func (h *ConnectionHandler) speakBindCode() {
	digits := make([]string, 0, len(h.bindCode))
	for _, r := range h.bindCode {
		digits = append(digits, string(r))
	}
	text := fmt.Sprintf("设备尚未绑定，请在管理后台输入绑定码：%s。", strings.Join(digits, " "))
	h.setLLMFinish(true)
	h.speakSegment(text, 1)
}

// sendAudioMessage 把一段音频按帧时长节奏下发。
// 首段之前发 start 帧，每段之前发 sentence_start，末段之后发 stop 帧
func (h *ConnectionHandler) sendAudioMessage(item *audioPlayItem) {
	if h.clientAbort.Load() {
		return
	}

	h.speakMu.Lock()
	isFirst := item.index == h.ttsFirstTextIndex
	h.speakMu.Unlock()

	if isFirst {
		h.sendTTSState("start")
	}
	h.sendSentenceStart(item.text)

	frameDuration := time.Duration(h.cfg.GetWelcomeInt("audio_params", "frame_duration")) * time.Millisecond
	if frameDuration <= 0 {
		frameDuration = 60 * time.Millisecond
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for _, frame := range item.frames {
		if h.clientAbort.Load() {
			break
		}
		if err := h.writer.SendBinary(frame); err != nil {
			return
		}
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
	}

	h.speakMu.Lock()
	isLast := item.index == h.ttsLastTextIndex && h.llmFinishTask
	h.speakMu.Unlock()

	if isLast {
		h.sendTTSState("stop")
		h.clearSpeakStatus()
		if h.closeAfterChat.Load() {
			h.Close()
		}
	}
}

func (h *ConnectionHandler) sendTTSState(state string) {
	_ = h.writer.SendJSON(map[string]interface{}{
		"type":       "tts",
		"state":      state,
		"session_id": h.sessionID,
	})
}

func (h *ConnectionHandler) sendSentenceStart(text string) {
	_ = h.writer.SendJSON(map[string]interface{}{
		"type":       "tts",
		"state":      "sentence_start",
		"text":       text,
		"session_id": h.sessionID,
	})
}

func (h *ConnectionHandler) sendSTTMessage(text string) {
	_ = h.writer.SendJSON(map[string]interface{}{
		"type":       "stt",
		"text":       text,
		"session_id": h.sessionID,
	})
}
