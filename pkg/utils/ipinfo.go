package utils

import (
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// IPInfo 客户端地理位置信息
type IPInfo struct {
	Country string `json:"country"`
	Region  string `json:"regionName"`
	City    string `json:"city"`
}

func (info *IPInfo) String() string {
	if info == nil {
		return ""
	}
	return fmt.Sprintf("%s %s %s", info.Country, info.Region, info.City)
}

var (
	ipInfoCache, _ = lru.New[string, *IPInfo](1024)
	ipInfoClient   = resty.New().SetTimeout(3 * time.Second)
)

// GetIPInfo 查询客户端 IP 的位置信息，内网地址直接返回本地标识，查询结果按 IP 缓存
func GetIPInfo(ip string, logger *zap.Logger) *IPInfo {
	if ip == "" {
		return nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	if parsed.IsLoopback() || parsed.IsPrivate() {
		return &IPInfo{Country: "本地网络", City: "局域网"}
	}
	if cached, ok := ipInfoCache.Get(ip); ok {
		return cached
	}

	var info IPInfo
	resp, err := ipInfoClient.R().
		SetResult(&info).
		Get(fmt.Sprintf("http://ip-api.com/json/%s?lang=zh-CN&fields=country,regionName,city", ip))
	if err != nil {
		logger.Warn("查询IP位置信息失败", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	if resp.IsError() {
		logger.Warn("查询IP位置信息失败", zap.String("ip", ip), zap.Int("status", resp.StatusCode()))
		return nil
	}
	ipInfoCache.Add(ip, &info)
	return &info
}
