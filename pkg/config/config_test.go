package config

import "testing"

// TestMaxCmdLength 退出命令最长长度按 rune 计
func TestMaxCmdLength(t *testing.T) {
	c := &Config{ExitCommands: []string{"退出", "再见了您呐", "拜拜"}}
	if got := c.MaxCmdLength(); got != 5 {
		t.Errorf("MaxCmdLength() = %d, want 5", got)
	}
	empty := &Config{}
	if got := empty.MaxCmdLength(); got != 0 {
		t.Errorf("空命令表 MaxCmdLength() = %d, want 0", got)
	}
}

// TestCloneWelcome 欢迎帧模板必须深拷贝，注入会话信息不能污染全局
func TestCloneWelcome(t *testing.T) {
	c := &Config{Welcome: map[string]interface{}{
		"type": "hello",
		"audio_params": map[string]interface{}{
			"sample_rate": 16000,
		},
	}}

	cloned := c.CloneWelcome()
	cloned["session_id"] = "s-1"
	cloned["audio_params"].(map[string]interface{})["sample_rate"] = 8000

	if _, ok := c.Welcome["session_id"]; ok {
		t.Error("拷贝后写入顶层字段污染了模板")
	}
	if c.Welcome["audio_params"].(map[string]interface{})["sample_rate"] != 16000 {
		t.Error("拷贝后写入嵌套字段污染了模板")
	}
}

// TestParseMCPServers 测试 MCP 服务配置解析
func TestParseMCPServers(t *testing.T) {
	servers := ParseMCPServers([]string{
		"home=http://127.0.0.1:3001/sse",
		"weather=https://mcp.example.com/sse",
		"bad-entry",
		"=http://no-name",
	})
	if len(servers) != 2 {
		t.Fatalf("应解析出2个服务, got %d: %v", len(servers), servers)
	}
	if servers["home"] != "http://127.0.0.1:3001/sse" {
		t.Errorf("home 接入点不符: %s", servers["home"])
	}
}

// TestGetWelcomeInt 测试欢迎帧字段的松散读取
func TestGetWelcomeInt(t *testing.T) {
	c := &Config{Welcome: map[string]interface{}{
		"audio_params": map[string]interface{}{
			"frame_duration": 60,
		},
	}}
	if got := c.GetWelcomeInt("audio_params", "frame_duration"); got != 60 {
		t.Errorf("GetWelcomeInt = %d, want 60", got)
	}
	if got := c.GetWelcomeInt("audio_params", "missing"); got != 0 {
		t.Errorf("缺失字段应返回0, got %d", got)
	}
	if got := c.GetWelcomeInt("not_a_map", "x"); got != 0 {
		t.Errorf("非法路径应返回0, got %d", got)
	}
}
