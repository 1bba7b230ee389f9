package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv 按环境加载 .env 文件（.env.production / .env.development / .env）
func LoadEnv(env string) error {
	candidates := []string{".env"}
	if env != "" {
		candidates = []string{fmt.Sprintf(".env.%s", env), ".env"}
	}
	var lastErr error
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			return godotenv.Load(f)
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// GetStringEnv 读取字符串环境变量，未设置时返回默认值
func GetStringEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetIntEnv 读取整型环境变量，未设置或解析失败时返回默认值
func GetIntEnv(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetBoolEnv 读取布尔环境变量，未设置或解析失败时返回默认值
func GetBoolEnv(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetSliceEnv 读取逗号分隔的环境变量
func GetSliceEnv(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
