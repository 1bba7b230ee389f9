package asr

import "context"

// Provider ASR 能力接口。SpeechToText 接收一段语音的全部 opus 帧，
// 返回识别文本与可选的音频产物路径（供上层按需清理）
type Provider interface {
	SpeechToText(ctx context.Context, audio [][]byte, sessionID string) (string, string, error)
}
