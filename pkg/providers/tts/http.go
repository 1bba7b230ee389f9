package tts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/code-100-precent/LingVoice/pkg/config"
)

// HTTPProvider 通过 HTTP 合成接口生成 wav 产物的 TTS 实现
type HTTPProvider struct {
	client      *resty.Client
	baseURL     string
	voice       string
	outputDir   string
	deleteAudio bool
	logger      *zap.Logger
}

func NewHTTPProvider(cfg config.TTSConfig, deleteAudio bool, logger *zap.Logger) (*HTTPProvider, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建TTS输出目录失败: %w", err)
	}
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("Authorization", "Bearer "+cfg.APIKey)
	return &HTTPProvider{
		client:      client,
		baseURL:     cfg.BaseURL,
		voice:       cfg.Voice,
		outputDir:   cfg.OutputDir,
		deleteAudio: deleteAudio,
		logger:      logger,
	}, nil
}

// ToTTS 合成一段文本，返回落盘的 wav 路径
func (p *HTTPProvider) ToTTS(text string) (string, error) {
	outPath := filepath.Join(p.outputDir, fmt.Sprintf("tts-%s.wav", uuid.NewString()))
	resp, err := p.client.R().
		SetBody(map[string]interface{}{
			"text":            text,
			"voice":           p.voice,
			"response_format": "wav",
		}).
		SetOutput(outPath).
		Post(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("TTS请求失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		os.Remove(outPath)
		return "", fmt.Errorf("TTS服务返回异常状态: %d", resp.StatusCode())
	}
	p.logger.Debug("TTS合成完成", zap.String("file", outPath), zap.Int("text_len", len([]rune(text))))
	return outPath, nil
}

func (p *HTTPProvider) AudioToOpusData(path string) ([][]byte, float64, error) {
	return wavToOpusFrames(path)
}

func (p *HTTPProvider) DeleteAudioFile() bool {
	return p.deleteAudio
}
