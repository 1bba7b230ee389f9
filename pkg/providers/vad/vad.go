package vad

// Provider VAD 能力接口。IsVAD 判断单帧音频是否含有人声，
// 实现内部可维护短窗状态，由连接层在轮次边界调用 Reset
type Provider interface {
	IsVAD(frame []byte) (bool, error)
	Reset()
}
