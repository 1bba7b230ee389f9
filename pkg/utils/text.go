package utils

import (
	"strings"
	"unicode"
)

// 分句使用的中文终止标点
var sentencePunctuations = []rune("。？！；：")

// IsSentenceTerminator 判断是否为句子终止标点
func IsSentenceTerminator(r rune) bool {
	for _, p := range sentencePunctuations {
		if r == p {
			return true
		}
	}
	return false
}

// LastSentenceTerminator 返回文本中最靠右的终止标点下标（rune 下标），没有则返回 -1
func LastSentenceTerminator(text string) int {
	runes := []rune(text)
	for i := len(runes) - 1; i >= 0; i-- {
		if IsSentenceTerminator(runes[i]) {
			return i
		}
	}
	return -1
}

// SanitizeForTTS 去除文本中的 emoji 以及首尾标点，得到适合送入 TTS 的纯文本
func SanitizeForTTS(text string) string {
	var b strings.Builder
	for _, r := range text {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimFunc(b.String(), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
}

// isEmoji 粗略判断 emoji 码位（覆盖常见 emoji 区段）
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // 杂项符号、表情、补充符号
		return true
	case r >= 0x2600 && r <= 0x27BF: // 杂项符号与装饰符号
		return true
	case r == 0xFE0F || r == 0x200D: // 变体选择符、零宽连接符
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // 区域指示符（国旗）
		return true
	}
	return false
}

// ExtractJSONFromString 从文本中提取第一个配平的 JSON 对象，失败返回空串
func ExtractJSONFromString(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
