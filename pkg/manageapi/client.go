package manageapi

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/config"
)

// DeviceNotFoundError 设备未在管控端注册
type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("设备未注册: %s", e.DeviceID)
}

// DeviceBindError 设备待绑定，携带下发给用户播报的绑定码
type DeviceBindError struct {
	BindCode string
}

func (e *DeviceBindError) Error() string {
	return fmt.Sprintf("设备需要绑定, 绑定码: %s", e.BindCode)
}

// PrivateConfig 管控端下发的设备差异化配置。
// 为空的字段表示沿用默认配置
type PrivateConfig struct {
	Prompt         string               `json:"prompt"`
	SelectedModule map[string]string    `json:"selected_module"`
	LLM            *config.LLMConfig    `json:"llm"`
	TTS            *config.TTSConfig    `json:"tts"`
	Memory         *config.MemoryConfig `json:"memory"`
	IntentType     string               `json:"intent_type"`
}

type deviceConfigResponse struct {
	Code     int            `json:"code"`
	Msg      string         `json:"msg"`
	BindCode string         `json:"bind_code"`
	Data     *PrivateConfig `json:"data"`
}

const (
	codeOK             = 0
	codeDeviceNotFound = 10041
	codeDeviceNeedBind = 10042
)

// Client 管控接口客户端
type Client struct {
	client *resty.Client
	logger *zap.Logger
}

func NewClient(cfg config.ManageAPIConfig, logger *zap.Logger) *Client {
	c := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(10 * time.Second).
		SetHeader("Authorization", "Bearer "+cfg.Secret)
	return &Client{client: c, logger: logger}
}

// GetPrivateConfig 拉取设备差异化配置。
// 设备未注册或待绑定时返回对应的哨兵错误，由连接层决定播报内容
func (c *Client) GetPrivateConfig(deviceID, clientID string) (*PrivateConfig, error) {
	var out deviceConfigResponse
	resp, err := c.client.R().
		SetBody(map[string]string{
			"device_id": deviceID,
			"client_id": clientID,
		}).
		SetResult(&out).
		Post("/config/device")
	if err != nil {
		return nil, fmt.Errorf("请求设备配置失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("设备配置接口异常状态: %d", resp.StatusCode())
	}

	switch out.Code {
	case codeOK:
		if out.Data == nil {
			return nil, fmt.Errorf("设备配置响应缺少数据: %s", out.Msg)
		}
		c.logger.Info("已获取设备差异化配置", zap.String("device_id", deviceID))
		return out.Data, nil
	case codeDeviceNotFound:
		return nil, &DeviceNotFoundError{DeviceID: deviceID}
	case codeDeviceNeedBind:
		return nil, &DeviceBindError{BindCode: out.BindCode}
	default:
		return nil, fmt.Errorf("设备配置接口返回错误: code=%d msg=%s", out.Code, out.Msg)
	}
}
