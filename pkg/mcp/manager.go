package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcp_go "github.com/mark3labs/mcp-go/mcp"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const initTimeout = 15 * time.Second

// Manager 会话级 MCP 客户端管理器。
// 每个会话独立持有客户端连接，工具按 server 维度归属
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*client.Client // server 名 -> 客户端
	tools   map[string]string         // 工具名 -> server 名
	defs    []openai.Tool
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		clients: make(map[string]*client.Client),
		tools:   make(map[string]string),
		logger:  logger,
	}
}

// InitializeServers 连接配置的 MCP 服务并拉取工具清单。
// 单个服务失败不影响其他服务
func (m *Manager) InitializeServers(ctx context.Context, servers map[string]string) {
	for name, url := range servers {
		if err := m.connectServer(ctx, name, url); err != nil {
			m.logger.Warn("MCP服务连接失败",
				zap.String("server", name), zap.String("url", url), zap.Error(err))
		}
	}
}

func (m *Manager) connectServer(ctx context.Context, name, url string) error {
	c, err := client.NewSSEMCPClient(url)
	if err != nil {
		return fmt.Errorf("创建MCP客户端失败: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := c.Start(initCtx); err != nil {
		c.Close()
		return fmt.Errorf("启动MCP客户端失败: %w", err)
	}

	initReq := mcp_go.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp_go.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp_go.Implementation{Name: "lingvoice", Version: "1.0.0"}
	if _, err := c.Initialize(initCtx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("MCP握手失败: %w", err)
	}

	toolsResp, err := c.ListTools(initCtx, mcp_go.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("拉取MCP工具清单失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = c
	for _, t := range toolsResp.Tools {
		m.tools[t.Name] = name
		m.defs = append(m.defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	m.logger.Info("MCP服务已就绪",
		zap.String("server", name), zap.Int("tools", len(toolsResp.Tools)))
	return nil
}

// IsMCPTool 工具是否由 MCP 服务提供
func (m *Manager) IsMCPTool(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tools[name]
	return ok
}

// Tools 全部 MCP 工具定义，合并进发给 LLM 的工具表
func (m *Manager) Tools() []openai.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]openai.Tool, len(m.defs))
	copy(out, m.defs)
	return out
}

// ExecuteTool 执行 MCP 工具，聚合结果中的文本片段
func (m *Manager) ExecuteTool(ctx context.Context, name, arguments string) (string, error) {
	m.mu.RLock()
	serverName, ok := m.tools[name]
	c := m.clients[serverName]
	m.mu.RUnlock()
	if !ok || c == nil {
		return "", fmt.Errorf("MCP工具不存在: %s", name)
	}

	var args map[string]interface{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("MCP工具参数解析失败: %w", err)
		}
	}

	req := mcp_go.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP工具调用失败: %w", err)
	}
	if result.IsError {
		return "", fmt.Errorf("MCP工具执行出错: %s", collectText(result))
	}
	return collectText(result), nil
}

func collectText(result *mcp_go.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp_go.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// CleanupAll 关闭全部 MCP 连接，可重复调用
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("关闭MCP客户端失败", zap.String("server", name), zap.Error(err))
		}
		delete(m.clients, name)
	}
	m.tools = make(map[string]string)
	m.defs = nil
}
