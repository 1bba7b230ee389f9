package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ExitFunctionName 结束对话工具名，连接层据此触发收尾播报与关闭
const ExitFunctionName = "handle_exit_intent"

// RegisterBuiltins 注册内置工具
func RegisterBuiltins(r *Registry, logger *zap.Logger) {
	registerGetTime(r)
	registerGetWeather(r, logger)
	registerExitIntent(r)
}

func registerGetTime(r *Registry) {
	tool := openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "get_current_time",
			Description: "获取当前的日期和时间",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
	r.Register(tool, func(ctx context.Context, arguments string) ActionResult {
		now := time.Now()
		weekdays := []string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"}
		return ActionResult{
			Action: ActionReqLLM,
			Result: fmt.Sprintf("当前时间是 %s %s", now.Format("2006年01月02日 15:04"), weekdays[now.Weekday()]),
		}
	})
}

func registerGetWeather(r *Registry, logger *zap.Logger) {
	tool := openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "get_weather",
			Description: "查询指定城市的实时天气",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"city": map[string]interface{}{
						"type":        "string",
						"description": "城市名，例如：北京",
					},
				},
				"required": []string{"city"},
			},
		},
	}
	client := resty.New().SetTimeout(5 * time.Second)
	r.Register(tool, func(ctx context.Context, arguments string) ActionResult {
		var args struct {
			City string `json:"city"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.City == "" {
			return ActionResult{Action: ActionError, Response: "天气查询参数不完整"}
		}
		resp, err := client.R().
			SetContext(ctx).
			Get(fmt.Sprintf("https://wttr.in/%s?format=j1", args.City))
		if err != nil || resp.StatusCode() != 200 {
			logger.Warn("天气查询失败", zap.String("city", args.City), zap.Error(err))
			return ActionResult{Action: ActionError, Response: "天气服务暂时不可用"}
		}
		var data struct {
			CurrentCondition []struct {
				TempC       string `json:"temp_C"`
				WeatherDesc []struct {
					Value string `json:"value"`
				} `json:"weatherDesc"`
			} `json:"current_condition"`
		}
		if err := json.Unmarshal(resp.Body(), &data); err != nil || len(data.CurrentCondition) == 0 {
			return ActionResult{Action: ActionError, Response: "天气数据解析失败"}
		}
		cur := data.CurrentCondition[0]
		desc := ""
		if len(cur.WeatherDesc) > 0 {
			desc = cur.WeatherDesc[0].Value
		}
		return ActionResult{
			Action: ActionReqLLM,
			Result: fmt.Sprintf("%s当前天气: %s, 气温%s度", args.City, desc, cur.TempC),
		}
	})
}

func registerExitIntent(r *Registry) {
	tool := openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ExitFunctionName,
			Description: "用户想结束对话或离开时调用",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"say_goodbye": map[string]interface{}{
						"type":        "string",
						"description": "向用户告别的话",
					},
				},
			},
		},
	}
	r.Register(tool, func(ctx context.Context, arguments string) ActionResult {
		var args struct {
			SayGoodbye string `json:"say_goodbye"`
		}
		_ = json.Unmarshal([]byte(arguments), &args)
		if args.SayGoodbye == "" {
			args.SayGoodbye = "再见，期待下次聊天。"
		}
		return ActionResult{Action: ActionResponse, Response: args.SayGoodbye}
	})
}
