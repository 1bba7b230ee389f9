package connection

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ttsJob 一段待合成文本。result 由合成协程写入一次，
// 队列顺序即播报顺序，合成本身可以乱序完成
type ttsJob struct {
	text   string
	index  int
	result chan ttsOutcome
}

type ttsOutcome struct {
	path string
	err  error
}

func newTTSJob(text string, index int) *ttsJob {
	return &ttsJob{text: text, index: index, result: make(chan ttsOutcome, 1)}
}

// audioPlayItem 一段已就绪的播报音频
type audioPlayItem struct {
	frames   [][]byte
	text     string
	index    int
	duration float64
}

// executor 固定规模的任务池。Shutdown 后未开始的任务直接丢弃
type executor struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

func newExecutor(workers, backlog int) *executor {
	e := &executor{
		tasks: make(chan func(), backlog),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *executor) worker() {
	for {
		select {
		case <-e.quit:
			return
		case task := <-e.tasks:
			task()
		}
	}
}

// Submit 提交任务，池已关闭时返回 false
func (e *executor) Submit(task func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.tasks <- task:
		return true
	case <-e.quit:
		return false
	}
}

// Shutdown 通知工作协程退出并丢弃未开始的任务，可重复调用。
// 不等在跑的任务收尾，收尾阶段不能被卡死的外部调用拖住
func (e *executor) Shutdown() {
	e.once.Do(func() {
		close(e.quit)
		for {
			select {
			case <-e.tasks:
			default:
				return
			}
		}
	})
}

// ttsWorkerLoop 按队列顺序等待每段合成结果，转码后交给播放队列。
// 单段失败只跳过该段，不影响后续
func (h *ConnectionHandler) ttsWorkerLoop() {
	for {
		select {
		case <-h.stop:
			return
		case job := <-h.ttsQueue:
			h.processTTSJob(job)
		}
	}
}

func (h *ConnectionHandler) processTTSJob(job *ttsJob) {
	var out ttsOutcome
	select {
	case <-h.stop:
		return
	case out = <-job.result:
	case <-time.After(time.Duration(h.cfg.TTSTimeout) * time.Second):
		h.logger.Warn("TTS合成超时，跳过该段",
			zap.String("session_id", h.sessionID),
			zap.Int("index", job.index), zap.String("text", job.text))
		h.recoverSpeakIfLast(job.index)
		return
	}

	if out.err != nil {
		h.logger.Error("TTS合成失败",
			zap.String("session_id", h.sessionID),
			zap.Int("index", job.index), zap.Error(out.err))
		h.recoverSpeakIfLast(job.index)
		return
	}

	if h.clientAbort.Load() {
		h.cleanupAudioFile(out.path)
		return
	}

	frames, duration, err := h.tts.AudioToOpusData(out.path)
	h.cleanupAudioFile(out.path)
	if err != nil {
		h.logger.Error("音频转码失败",
			zap.String("session_id", h.sessionID),
			zap.Int("index", job.index), zap.Error(err))
		h.recoverSpeakIfLast(job.index)
		return
	}

	item := &audioPlayItem{frames: frames, text: job.text, index: job.index, duration: duration}
	select {
	case h.audioPlayQueue <- item:
	case <-h.stop:
	}
}

// recoverSpeakIfLast 末段失败时客户端收不到停止帧，主动补发并复位播报状态
func (h *ConnectionHandler) recoverSpeakIfLast(index int) {
	h.speakMu.Lock()
	isLast := index == h.ttsLastTextIndex && h.llmFinishTask
	h.speakMu.Unlock()
	if !isLast {
		return
	}
	h.sendTTSState("stop")
	h.clearSpeakStatus()
	if h.closeAfterChat.Load() {
		h.Close()
	}
}

func (h *ConnectionHandler) cleanupAudioFile(path string) {
	if path == "" || !h.tts.DeleteAudioFile() {
		return
	}
	if err := removeFile(path); err != nil {
		h.logger.Debug("删除TTS产物失败", zap.String("file", path), zap.Error(err))
	}
}

// audioPlayLoop 按序把就绪音频下发到客户端
func (h *ConnectionHandler) audioPlayLoop() {
	for {
		select {
		case <-h.stop:
			return
		case item := <-h.audioPlayQueue:
			h.sendAudioMessage(item)
		}
	}
}
