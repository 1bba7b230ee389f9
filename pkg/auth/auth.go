package auth

import (
	"fmt"
	"strings"

	"github.com/code-100-precent/LingVoice/pkg/config"
)

// AuthenticationError 认证失败错误
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// AuthMiddleware 基于 token 白名单与设备白名单的连接认证
type AuthMiddleware struct {
	cfg config.AuthConfig
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg}
}

// Authenticate 校验连接头。未开启认证时直接放行；
// 设备在白名单内时跳过 token 校验（用于免认证的内网设备）
func (a *AuthMiddleware) Authenticate(headers map[string]string) error {
	if !a.cfg.Enabled {
		return nil
	}

	deviceID := headers["device-id"]
	for _, allowed := range a.cfg.AllowedDevices {
		if allowed == deviceID {
			return nil
		}
	}

	token := headers["authorization"]
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return &AuthenticationError{Reason: "missing token"}
	}
	for _, allowed := range a.cfg.AllowedTokens {
		if allowed == token {
			return nil
		}
	}
	return &AuthenticationError{Reason: "invalid token"}
}
