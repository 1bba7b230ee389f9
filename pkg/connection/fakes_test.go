package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/code-100-precent/LingVoice/pkg/providers/llm"
)

type wsFrame struct {
	msgType int
	data    []byte
}

// fakeConn 测试用的 websocket 替身，记录全部下行帧
type fakeConn struct {
	mu        sync.Mutex
	written   []wsFrame
	readCh    chan wsFrame
	closeOnce sync.Once
	closed    atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan wsFrame, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.readCh
	if !ok {
		return 0, nil, errors.New("连接已关闭")
	}
	return f.msgType, f.data, nil
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	if c.closed.Load() {
		return errors.New("连接已关闭")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.written = append(c.written, wsFrame{msgType: msgType, data: cp})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.readCh)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	return c.closed.Load()
}

// textFrames 解析已写出的全部文本帧
func (c *fakeConn) textFrames() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.written {
		if f.msgType != 1 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(f.data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// ttsStates 按写出顺序收集 tts 帧的 state 序列
func (c *fakeConn) ttsStates() []string {
	var out []string
	for _, m := range c.textFrames() {
		if m["type"] == "tts" {
			out = append(out, m["state"].(string))
		}
	}
	return out
}

// sentenceTexts 按写出顺序收集 sentence_start 帧的文本
func (c *fakeConn) sentenceTexts() []string {
	var out []string
	for _, m := range c.textFrames() {
		if m["type"] == "tts" && m["state"] == "sentence_start" {
			out = append(out, m["text"].(string))
		}
	}
	return out
}

// fakeLLM 按脚本逐次返回流式响应
type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	scripts [][]llm.ResponseChunk
}

func textChunks(parts ...string) []llm.ResponseChunk {
	out := make([]llm.ResponseChunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, llm.ResponseChunk{Content: p})
	}
	return out
}

func toolCallChunk(id, name, arguments string) llm.ResponseChunk {
	return llm.ResponseChunk{ToolCalls: []openai.ToolCall{{
		ID:       id,
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: name, Arguments: arguments},
	}}}
}

func (f *fakeLLM) next() []llm.ResponseChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s []llm.ResponseChunk
	if f.calls < len(f.scripts) {
		s = f.scripts[f.calls]
	}
	f.calls++
	return s
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) Response(ctx context.Context, sessionID string, dialogue []openai.ChatCompletionMessage) (<-chan string, error) {
	out := make(chan string, 16)
	chunks := f.next()
	go func() {
		defer close(out)
		for _, c := range chunks {
			if c.Content != "" {
				out <- c.Content
			}
		}
	}()
	return out, nil
}

func (f *fakeLLM) ResponseWithFunctions(ctx context.Context, sessionID string, dialogue []openai.ChatCompletionMessage, functions []openai.Tool) (<-chan llm.ResponseChunk, error) {
	out := make(chan llm.ResponseChunk, 16)
	chunks := f.next()
	go func() {
		defer close(out)
		for _, c := range chunks {
			out <- c
		}
	}()
	return out, nil
}

func testToolNamed(name string) openai.Tool {
	return openai.Tool{
		Type:     openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{Name: name},
	}
}

func testWeatherTool() openai.Tool {
	return testToolNamed("test_weather")
}

// fakeVAD 固定判定结果的人声检测替身
type fakeVAD struct {
	voice bool
}

func (f *fakeVAD) IsVAD(frame []byte) (bool, error) { return f.voice, nil }

func (f *fakeVAD) Reset() {}

// fakeTTS 记录合成请求，可按文本配置延迟与失败
type fakeTTS struct {
	mu    sync.Mutex
	texts []string
	delay map[string]time.Duration
	fail  map[string]bool
}

func newFakeTTS() *fakeTTS {
	return &fakeTTS{delay: map[string]time.Duration{}, fail: map[string]bool{}}
}

func (f *fakeTTS) ToTTS(text string) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	d := f.delay[text]
	failed := f.fail[text]
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	if failed {
		return "", errors.New("合成服务不可用")
	}
	return "fake.wav", nil
}

func (f *fakeTTS) AudioToOpusData(path string) ([][]byte, float64, error) {
	return [][]byte{{0x01}, {0x02}}, 0.12, nil
}

func (f *fakeTTS) DeleteAudioFile() bool { return false }

func (f *fakeTTS) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}
