package tts

// Provider TTS 能力接口。ToTTS 合成一段文本并返回磁盘上的音频产物路径；
// AudioToOpusData 把产物转为按序的 opus 帧与时长（秒）
type Provider interface {
	ToTTS(text string) (string, error)
	AudioToOpusData(path string) ([][]byte, float64, error)
	// DeleteAudioFile 为 true 时由消费方在使用后删除产物
	DeleteAudioFile() bool
}
