package connection

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/config"
	"github.com/code-100-precent/LingVoice/pkg/dialogue"
	"github.com/code-100-precent/LingVoice/pkg/functions"
	"github.com/code-100-precent/LingVoice/pkg/manageapi"
	"github.com/code-100-precent/LingVoice/pkg/mcp"
	"github.com/code-100-precent/LingVoice/pkg/providers"
	"github.com/code-100-precent/LingVoice/pkg/providers/asr"
	"github.com/code-100-precent/LingVoice/pkg/providers/intent"
	"github.com/code-100-precent/LingVoice/pkg/providers/llm"
	"github.com/code-100-precent/LingVoice/pkg/providers/memory"
	"github.com/code-100-precent/LingVoice/pkg/providers/tts"
	"github.com/code-100-precent/LingVoice/pkg/providers/vad"
	"github.com/code-100-precent/LingVoice/pkg/utils"
)

const (
	executorWorkers = 10
	executorBacklog = 64
	queueDepth      = 100
)

// Options 构建一个连接处理器所需的全部依赖
type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	Conn      Conn
	Headers   map[string]string
	ClientIP  string
	LLM       llm.Provider
	TTS       tts.Provider
	ASR       asr.Provider
	VAD       vad.Provider
	Memory    memory.Provider
	Intent    intent.Provider
	ManageAPI *manageapi.Client
	// MCPServers server 名到接入点的映射，空表不启用 MCP
	MCPServers map[string]string
}

// ConnectionHandler 单个设备连接的会话编排器。
// 读循环、TTS 流水线、播放下发各自独立协程，经 stop 信号统一收束
type ConnectionHandler struct {
	cfg    *config.Config
	logger *zap.Logger

	sessionID string
	deviceID  string
	clientID  string
	clientIP  string
	headers   map[string]string

	conn   Conn
	writer *Writer

	llmProvider llm.Provider
	tts         tts.Provider
	asr         asr.Provider
	vad         vad.Provider
	memory      memory.Provider
	intent      intent.Provider

	registry   *functions.Registry
	mcpManager *mcp.Manager
	manageAPI  *manageapi.Client
	mcpServers map[string]string

	dialogue *dialogue.Dialogue
	prompt   string

	// 上行语音状态，仅读循环协程访问
	clientListenMode string
	clientHaveVoice  bool
	clientVoiceStop  bool
	silenceFrames    int
	asrAudio         [][]byte

	clientAbort      atomic.Bool
	closeAfterChat   atomic.Bool
	asrServerReceive atomic.Bool

	// 播报进度
	speakMu           sync.Mutex
	ttsFirstTextIndex int
	ttsLastTextIndex  int
	llmFinishTask     bool

	ttsQueue       chan *ttsJob
	audioPlayQueue chan *audioPlayItem
	executor       *executor

	stop        chan struct{}
	closeOnce   sync.Once
	activity    chan struct{}
	idleTimeout time.Duration

	needBind bool
	bindCode string
}

func NewConnectionHandler(opts Options) *ConnectionHandler {
	h := &ConnectionHandler{
		cfg:         opts.Config,
		logger:      opts.Logger,
		sessionID:   uuid.NewString(),
		clientIP:    opts.ClientIP,
		headers:     opts.Headers,
		conn:        opts.Conn,
		llmProvider: opts.LLM,
		tts:         opts.TTS,
		asr:         opts.ASR,
		vad:         opts.VAD,
		memory:      opts.Memory,
		intent:      opts.Intent,
		manageAPI:   opts.ManageAPI,
		mcpServers:  opts.MCPServers,

		registry:   functions.NewRegistry(),
		mcpManager: mcp.NewManager(opts.Logger),
		dialogue:   dialogue.NewDialogue(),
		prompt:     opts.Config.Prompt,

		clientListenMode:  "auto",
		ttsFirstTextIndex: -1,
		ttsLastTextIndex:  -1,

		ttsQueue:       make(chan *ttsJob, queueDepth),
		audioPlayQueue: make(chan *audioPlayItem, queueDepth),
		executor:       newExecutor(executorWorkers, executorBacklog),
		stop:           make(chan struct{}),
		activity:       make(chan struct{}, 1),
	}
	h.idleTimeout = time.Duration(opts.Config.CloseConnectionNoVoiceTime+60) * time.Second
	h.writer = NewWriter(opts.Conn, opts.Logger)
	h.asrServerReceive.Store(true)
	// 设备标识缺失在接入层就该拒绝，这里不补造身份
	h.deviceID = opts.Headers["device-id"]
	h.clientID = firstNonEmpty(opts.Headers["client-id"], h.deviceID)
	return h
}

// HandleConnection 连接主循环，返回时连接已关闭
func (h *ConnectionHandler) HandleConnection(ctx context.Context) {
	defer h.Close()

	ipInfo := utils.GetIPInfo(h.clientIP, h.logger)
	h.logger.Info("新连接接入",
		zap.String("session_id", h.sessionID),
		zap.String("device_id", h.deviceID),
		zap.String("ip", h.clientIP),
		zap.String("ip_info", ipInfo.String()))

	h.initializePrivateConfig(ctx)
	// 位置信息并入系统提示词，initializeComponents 统一刷新系统消息
	if info := ipInfo.String(); info != "" {
		h.prompt = h.prompt + "\nuser location:" + info
	}
	h.initializeComponents(ctx)

	// 鉴权通过即主动下发欢迎帧，不等客户端 hello
	if err := h.sendWelcomeMessage(); err != nil {
		h.logger.Warn("下发欢迎帧失败",
			zap.String("session_id", h.sessionID), zap.Error(err))
	}

	go h.ttsWorkerLoop()
	go h.audioPlayLoop()
	go h.idleWatcher()

	for {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info("连接读取结束",
					zap.String("session_id", h.sessionID), zap.Error(err))
			}
			return
		}
		h.notifyActivity()
		switch msgType {
		case websocket.TextMessage:
			if err := h.handleTextMessage(ctx, data); err != nil {
				h.logger.Warn("处理文本消息失败",
					zap.String("session_id", h.sessionID), zap.Error(err))
			}
		case websocket.BinaryMessage:
			h.handleAudioMessage(ctx, data)
		}
		select {
		case <-h.stop:
			return
		default:
		}
	}
}

// initializePrivateConfig 从管控端拉取设备差异化配置并重建受影响的模块。
// 拉取失败时沿用默认配置，设备待绑定时仅标记状态
func (h *ConnectionHandler) initializePrivateConfig(ctx context.Context) {
	if !h.cfg.ReadConfigFromAPI || h.manageAPI == nil {
		return
	}
	pc, err := h.manageAPI.GetPrivateConfig(h.deviceID, h.clientID)
	if err != nil {
		var bindErr *manageapi.DeviceBindError
		var notFoundErr *manageapi.DeviceNotFoundError
		switch {
		case errors.As(err, &bindErr):
			h.needBind = true
			h.bindCode = bindErr.BindCode
			h.logger.Info("设备待绑定",
				zap.String("device_id", h.deviceID), zap.String("bind_code", h.bindCode))
		case errors.As(err, &notFoundErr):
			h.logger.Warn("设备未注册，使用默认配置", zap.String("device_id", h.deviceID))
		default:
			h.logger.Warn("获取设备配置失败，使用默认配置",
				zap.String("device_id", h.deviceID), zap.Error(err))
		}
		return
	}

	privateCfg := *h.cfg
	if pc.Prompt != "" {
		h.prompt = pc.Prompt
	}
	if pc.LLM != nil {
		privateCfg.LLM = *pc.LLM
	}
	if pc.TTS != nil {
		privateCfg.TTS = *pc.TTS
	}
	if pc.Memory != nil {
		privateCfg.Memory = *pc.Memory
	}
	if pc.IntentType != "" {
		privateCfg.Intent.Type = pc.IntentType
	}

	modules, err := providers.InitializeModules(&privateCfg, h.logger,
		pc.LLM != nil, pc.TTS != nil, pc.Memory != nil, pc.IntentType != "")
	if err != nil {
		h.logger.Warn("按设备配置重建模块失败，沿用默认模块", zap.Error(err))
		return
	}
	if modules.LLM != nil {
		h.llmProvider = modules.LLM
	}
	if modules.TTS != nil {
		h.tts = modules.TTS
	}
	if modules.Memory != nil {
		h.memory = modules.Memory
	}
	if modules.Intent != nil {
		h.intent = modules.Intent
	}
	h.cfg = &privateCfg
}

func (h *ConnectionHandler) initializeComponents(ctx context.Context) {
	h.dialogue.UpdateSystemMessage(h.prompt)

	if h.useFunctionCalling() {
		functions.RegisterBuiltins(h.registry, h.logger)
		if len(h.mcpServers) > 0 {
			h.mcpManager.InitializeServers(ctx, h.mcpServers)
		}
	}
	if h.memory != nil {
		h.memory.Init(h.deviceID, h.llmProvider)
	}
}

func (h *ConnectionHandler) useFunctionCalling() bool {
	return h.cfg.Intent.Type == intent.TypeFunctionCall
}

// idleWatcher 超过无语音阈值后主动断开
func (h *ConnectionHandler) idleWatcher() {
	timeout := h.idleTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-h.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			h.logger.Info("长时间无输入，关闭连接",
				zap.String("session_id", h.sessionID))
			h.Close()
			return
		}
	}
}

func (h *ConnectionHandler) notifyActivity() {
	select {
	case h.activity <- struct{}{}:
	default:
	}
}

// Close 释放会话全部资源，可重复调用
func (h *ConnectionHandler) Close() {
	h.closeOnce.Do(func() {
		h.logger.Info("关闭连接",
			zap.String("session_id", h.sessionID), zap.String("device_id", h.deviceID))

		h.saveMemory()
		h.mcpManager.CleanupAll()
		close(h.stop)
		h.executor.Shutdown()
		h.clearQueues()
		h.writer.Close()
		h.conn.Close()
	})
}

func (h *ConnectionHandler) saveMemory() {
	if h.memory == nil || h.dialogue.Len() <= 1 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.memory.SaveMemory(ctx, h.dialogue.Messages()); err != nil {
		h.logger.Warn("保存会话记忆失败",
			zap.String("session_id", h.sessionID), zap.Error(err))
	}
}

func (h *ConnectionHandler) clearQueues() {
	for {
		select {
		case <-h.ttsQueue:
		case <-h.audioPlayQueue:
		default:
			return
		}
	}
}

// clearSpeakStatus 一轮播报结束后的状态复位，同时恢复上行音频接收
func (h *ConnectionHandler) clearSpeakStatus() {
	h.asrServerReceive.Store(true)
	h.speakMu.Lock()
	defer h.speakMu.Unlock()
	h.ttsFirstTextIndex = -1
	h.ttsLastTextIndex = -1
}

// isSpeaking 当前是否有一轮回复在播报中
func (h *ConnectionHandler) isSpeaking() bool {
	h.speakMu.Lock()
	defer h.speakMu.Unlock()
	return h.ttsFirstTextIndex != -1
}

// recodeFirstLastText 记录本轮首末分段序号
func (h *ConnectionHandler) recodeFirstLastText(text string, index int) {
	h.speakMu.Lock()
	defer h.speakMu.Unlock()
	if h.ttsFirstTextIndex == -1 {
		h.logger.Debug("本轮首段文本",
			zap.String("session_id", h.sessionID), zap.String("text", text))
		h.ttsFirstTextIndex = index
	}
	h.ttsLastTextIndex = index
}

func removeFile(path string) error {
	return os.Remove(path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
