package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/config"
	"github.com/code-100-precent/LingVoice/pkg/manageapi"
	"github.com/code-100-precent/LingVoice/pkg/providers/llm"
)

// TestCloseIdempotent 收尾可重复调用且资源只释放一次
func TestCloseIdempotent(t *testing.T) {
	h, conn := newTestHandler(t, newTestConfig(), &fakeLLM{}, newFakeTTS())

	h.Close()
	h.Close()

	if !conn.isClosed() {
		t.Error("收尾后连接应已关闭")
	}
	select {
	case <-h.stop:
	default:
		t.Error("收尾后 stop 信号应已关闭")
	}
}

// TestCloseDrainsQueues 收尾时清空积压的队列
func TestCloseDrainsQueues(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig(), &fakeLLM{}, newFakeTTS())

	h.ttsQueue <- newTTSJob("积压任务", 1)
	h.audioPlayQueue <- &audioPlayItem{text: "积压音频", index: 2}
	h.Close()

	if len(h.ttsQueue) != 0 || len(h.audioPlayQueue) != 0 {
		t.Errorf("队列未清空: tts=%d audio=%d", len(h.ttsQueue), len(h.audioPlayQueue))
	}
}

// TestIdleTimeoutClosesConnection 无输入超时后主动断开
func TestIdleTimeoutClosesConnection(t *testing.T) {
	conn := newFakeConn()
	h := NewConnectionHandler(Options{
		Config:  newTestConfig(),
		Logger:  zap.NewNop(),
		Conn:    conn,
		Headers: map[string]string{"device-id": "idle-device"},
		LLM:     &fakeLLM{},
		TTS:     newFakeTTS(),
	})
	h.idleTimeout = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		h.HandleConnection(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("空闲超时后连接未关闭")
	}
	if !conn.isClosed() {
		t.Error("超时后底层连接应已关闭")
	}
}

// TestActivityResetsIdleTimer 有输入时空闲计时重置
func TestActivityResetsIdleTimer(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig(), &fakeLLM{}, newFakeTTS())
	h.idleTimeout = 150 * time.Millisecond
	go h.idleWatcher()

	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		h.notifyActivity()
	}

	select {
	case <-h.stop:
		t.Error("持续有输入时不应触发空闲关闭")
	default:
	}
}

// TestSpeakStatusLifecycle 播报序号的记录与复位
func TestSpeakStatusLifecycle(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig(), &fakeLLM{}, newFakeTTS())

	h.recodeFirstLastText("第一段", 1)
	h.recodeFirstLastText("第二段", 2)
	h.recodeFirstLastText("第三段", 3)

	h.speakMu.Lock()
	first, last := h.ttsFirstTextIndex, h.ttsLastTextIndex
	h.speakMu.Unlock()
	if first != 1 || last != 3 {
		t.Errorf("first=%d last=%d, want 1/3", first, last)
	}

	h.clearSpeakStatus()
	h.speakMu.Lock()
	first, last = h.ttsFirstTextIndex, h.ttsLastTextIndex
	h.speakMu.Unlock()
	if first != -1 || last != -1 {
		t.Errorf("复位后 first=%d last=%d, want -1/-1", first, last)
	}
}

// TestTTSFailureSkipsSegment 单段合成失败只丢该段，后续照常播报
func TestTTSFailureSkipsSegment(t *testing.T) {
	fllm := &fakeLLM{scripts: [][]llm.ResponseChunk{
		textChunks("第一句坏了。", "第二句没事。"),
	}}
	ftts := newFakeTTS()
	ftts.fail["第一句坏了"] = true
	h, conn := newTestHandler(t, newTestConfig(), fllm, ftts)

	h.Chat(context.Background(), "说两句")

	waitFor(t, 2*time.Second, func() bool {
		return hasState(conn.ttsStates(), "stop")
	}, "等待播报结束超时")

	texts := conn.sentenceTexts()
	if len(texts) != 1 || texts[0] != "第二句没事" {
		t.Errorf("失败段应被跳过: %v", texts)
	}
}

// TestTTSTimeoutSkipsSegment 合成超时的段被跳过，流水线不被拖死
func TestTTSTimeoutSkipsSegment(t *testing.T) {
	cfg := newTestConfig()
	cfg.TTSTimeout = 1
	fllm := &fakeLLM{scripts: [][]llm.ResponseChunk{
		textChunks("这句很慢。", "这句很快。"),
	}}
	ftts := newFakeTTS()
	ftts.delay["这句很慢"] = 2 * time.Second
	h, conn := newTestHandler(t, cfg, fllm, ftts)

	h.Chat(context.Background(), "说两句")

	waitFor(t, 4*time.Second, func() bool {
		return hasState(conn.ttsStates(), "stop")
	}, "等待播报结束超时")

	texts := conn.sentenceTexts()
	if len(texts) != 1 || texts[0] != "这句很快" {
		t.Errorf("超时段应被跳过: %v", texts)
	}
}

// TestLastSegmentFailureRecovers 末段失败时补发 stop 帧并复位状态
func TestLastSegmentFailureRecovers(t *testing.T) {
	fllm := &fakeLLM{scripts: [][]llm.ResponseChunk{
		textChunks("只有这一句。"),
	}}
	ftts := newFakeTTS()
	ftts.fail["只有这一句"] = true
	// 留出一点时间让本轮先标记完成，失败才落在末段上
	ftts.delay["只有这一句"] = 50 * time.Millisecond
	h, conn := newTestHandler(t, newTestConfig(), fllm, ftts)

	h.Chat(context.Background(), "说一句")

	waitFor(t, 2*time.Second, func() bool {
		return hasState(conn.ttsStates(), "stop")
	}, "末段失败后未补发 stop 帧")

	h.speakMu.Lock()
	first := h.ttsFirstTextIndex
	h.speakMu.Unlock()
	if first != -1 {
		t.Errorf("恢复后播报状态应复位, first=%d", first)
	}
}

// TestHelloMessage 握手回应携带会话标识且不污染模板
func TestHelloMessage(t *testing.T) {
	cfg := newTestConfig()
	h, conn := newTestHandler(t, cfg, &fakeLLM{}, newFakeTTS())

	if err := h.handleTextMessage(context.Background(), []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("处理 hello 失败: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, m := range conn.textFrames() {
			if m["type"] == "hello" {
				return true
			}
		}
		return false
	}, "未收到 hello 回应")

	for _, m := range conn.textFrames() {
		if m["type"] == "hello" {
			if m["session_id"] != h.sessionID {
				t.Errorf("hello 回应 session_id 不符: %v", m["session_id"])
			}
		}
	}
	if _, polluted := cfg.Welcome["session_id"]; polluted {
		t.Error("欢迎帧模板被注入的 session_id 污染")
	}
}

// TestListenDetectStartsChat 客户端本地唤醒词文本直接进入对话
func TestListenDetectStartsChat(t *testing.T) {
	fllm := &fakeLLM{scripts: [][]llm.ResponseChunk{
		textChunks("我在呢。"),
	}}
	h, conn := newTestHandler(t, newTestConfig(), fllm, newFakeTTS())

	msg, _ := json.Marshal(map[string]string{"type": "listen", "state": "detect", "text": "你好小智"})
	if err := h.handleTextMessage(context.Background(), msg); err != nil {
		t.Fatalf("处理 detect 失败: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return hasState(conn.ttsStates(), "stop")
	}, "唤醒词对话未完成")

	var sawSTT bool
	for _, m := range conn.textFrames() {
		if m["type"] == "stt" && m["text"] == "你好小智" {
			sawSTT = true
		}
	}
	if !sawSTT {
		t.Error("识别文本应回显给客户端")
	}
}

// TestExitCommandClosesAfterFarewell 退出命令播完告别语后关闭连接
func TestExitCommandClosesAfterFarewell(t *testing.T) {
	fllm := &fakeLLM{scripts: [][]llm.ResponseChunk{
		textChunks("好的，再见。"),
	}}
	h, conn := newTestHandler(t, newTestConfig(), fllm, newFakeTTS())

	h.startToChat(context.Background(), "再见")

	waitFor(t, 3*time.Second, conn.isClosed, "退出命令后连接未关闭")
	if !h.closeAfterChat.Load() {
		t.Error("退出命令应置 closeAfterChat")
	}
}

// TestBindCodeSpoken 设备待绑定时播报绑定码而不进入对话
func TestBindCodeSpoken(t *testing.T) {
	fllm := &fakeLLM{}
	ftts := newFakeTTS()
	h, conn := newTestHandler(t, newTestConfig(), fllm, ftts)
	h.needBind = true
	h.bindCode = "123456"

	h.startToChat(context.Background(), "你好")

	waitFor(t, 2*time.Second, func() bool {
		return hasState(conn.ttsStates(), "stop")
	}, "绑定码未播报")

	if fllm.callCount() != 0 {
		t.Error("待绑定设备不应请求 LLM")
	}
	texts := conn.sentenceTexts()
	if len(texts) != 1 {
		t.Fatalf("应播报一段绑定提示: %v", texts)
	}
}

// TestVoiceDuringPlaybackInterrupts 播报过程中检测到人声即触发打断
func TestVoiceDuringPlaybackInterrupts(t *testing.T) {
	h, conn := newTestHandler(t, newTestConfig(), &fakeLLM{}, newFakeTTS())
	h.vad = &fakeVAD{voice: true}

	h.recodeFirstLastText("正在播报的回复", 1)
	h.handleAudioMessage(context.Background(), []byte{0x01})

	if !h.clientAbort.Load() {
		t.Error("播报中检测到人声应置软中止位")
	}
	waitFor(t, time.Second, func() bool {
		return hasState(conn.ttsStates(), "stop")
	}, "人声打断后未下发 stop 帧")

	h.speakMu.Lock()
	first, last := h.ttsFirstTextIndex, h.ttsLastTextIndex
	h.speakMu.Unlock()
	if first != -1 || last != -1 {
		t.Errorf("打断后播报序号应复位, got first=%d last=%d", first, last)
	}
}

// TestAudioGateWhileAwaitingReply 回复产出期间丢弃上行音频，播报结束后恢复
func TestAudioGateWhileAwaitingReply(t *testing.T) {
	h, _ := newTestHandler(t, newTestConfig(), &fakeLLM{}, newFakeTTS())

	h.asrServerReceive.Store(false)
	h.handleAudioMessage(context.Background(), []byte{0x01})
	if len(h.asrAudio) != 0 {
		t.Errorf("收音关闭期间不应缓冲音频: %d", len(h.asrAudio))
	}

	h.clearSpeakStatus()
	if !h.asrServerReceive.Load() {
		t.Error("播报状态复位后应恢复收音")
	}
	h.handleAudioMessage(context.Background(), []byte{0x02})
	if len(h.asrAudio) != 1 {
		t.Errorf("恢复收音后应缓冲音频: %d", len(h.asrAudio))
	}
}

// TestWelcomeSentOnConnect 连接建立后不等客户端 hello 就下发欢迎帧
func TestWelcomeSentOnConnect(t *testing.T) {
	conn := newFakeConn()
	h := NewConnectionHandler(Options{
		Config:   newTestConfig(),
		Logger:   zap.NewNop(),
		Conn:     conn,
		Headers:  map[string]string{"device-id": "welcome-device"},
		ClientIP: "127.0.0.1",
		LLM:      &fakeLLM{},
		TTS:      newFakeTTS(),
	})
	go h.HandleConnection(context.Background())
	t.Cleanup(h.Close)

	waitFor(t, 2*time.Second, func() bool {
		for _, m := range conn.textFrames() {
			if m["type"] == "hello" && m["session_id"] == h.sessionID {
				return true
			}
		}
		return false
	}, "连接建立后未主动下发欢迎帧")
}

// TestLocationAppendedToPrompt 客户端位置并入系统提示词
func TestLocationAppendedToPrompt(t *testing.T) {
	conn := newFakeConn()
	h := NewConnectionHandler(Options{
		Config:   newTestConfig(),
		Logger:   zap.NewNop(),
		Conn:     conn,
		Headers:  map[string]string{"device-id": "geo-device"},
		ClientIP: "127.0.0.1",
		LLM:      &fakeLLM{},
		TTS:      newFakeTTS(),
	})
	go h.HandleConnection(context.Background())
	t.Cleanup(h.Close)

	waitFor(t, 2*time.Second, func() bool {
		for _, m := range conn.textFrames() {
			if m["type"] == "hello" {
				return true
			}
		}
		return false
	}, "会话未完成初始化")

	system := h.dialogue.Messages()[0]
	if !strings.Contains(system.Content, "user location:本地网络") {
		t.Errorf("系统提示词未带上位置信息: %s", system.Content)
	}
}

// TestShutdownNotBlockedByRunningTask 在跑的任务不拖住任务池收尾
func TestShutdownNotBlockedByRunningTask(t *testing.T) {
	e := newExecutor(1, 4)
	block := make(chan struct{})
	if !e.Submit(func() { <-block }) {
		t.Fatal("提交任务失败")
	}
	defer close(block)

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown 被在跑的任务卡住")
	}
}

// TestPrivateConfigMemoryOverride 差异化配置可以替换记忆模块
func TestPrivateConfigMemoryOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"data":{"memory":{"type":"nomem"}}}`))
	}))
	defer srv.Close()

	cfg := newTestConfig()
	cfg.ReadConfigFromAPI = true
	conn := newFakeConn()
	h := NewConnectionHandler(Options{
		Config:    cfg,
		Logger:    zap.NewNop(),
		Conn:      conn,
		Headers:   map[string]string{"device-id": "mem-device"},
		LLM:       &fakeLLM{},
		TTS:       newFakeTTS(),
		ManageAPI: manageapi.NewClient(config.ManageAPIConfig{URL: srv.URL}, zap.NewNop()),
	})
	t.Cleanup(h.Close)

	h.initializePrivateConfig(context.Background())
	if h.memory == nil {
		t.Error("下发 memory 配置后应重建记忆模块")
	}
}

// TestExecutorShutdown 任务池关闭后拒绝新任务
func TestExecutorShutdown(t *testing.T) {
	e := newExecutor(2, 4)
	ran := make(chan struct{})
	if !e.Submit(func() { close(ran) }) {
		t.Fatal("正常提交应成功")
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("任务未执行")
	}

	e.Shutdown()
	e.Shutdown()
	if e.Submit(func() {}) {
		t.Error("关闭后提交应失败")
	}
}
