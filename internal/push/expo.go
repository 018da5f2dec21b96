// Package push Expo 推送网关客户端
package push

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL Expo 推送 API 地址
const DefaultBaseURL = "https://exp.host"

// chunkSize Expo 单次请求的消息上限
const chunkSize = 100

// expoTokenPattern Expo 推送 token 格式
// 格式非法的 token 在发送前过滤，绝不提交给传输层
var expoTokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[[^\[\]]+\]$`)

// IsExpoToken 校验 token 格式
func IsExpoToken(token string) bool {
	return expoTokenPattern.MatchString(token)
}

// Message 一条推送消息
type Message struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

// Outcome 单条消息的发送结果
// 每条消息独立上报成功/失败，一个坏 token 不影响整批
type Outcome struct {
	Token    string
	OK       bool
	TicketID string
	Error    string
}

// expoTicket Expo 返回的单条 ticket
type expoTicket struct {
	Status  string `json:"status"` // "ok" | "error"
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// expoResponse Expo 推送 API 响应
type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Client Expo 推送客户端
type Client struct {
	httpClient *resty.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient 创建 Expo 推送客户端
// ratePerSecond 限制出站请求速率（Expo 侧有限流），<= 0 时不限速
func NewClient(baseURL string, ratePerSecond int, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
	}

	return &Client{
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}
}

// Send 批量发送推送消息，返回与输入一一对应的逐条结果
// 格式非法的 token 直接标记失败，不提交传输层；
// 合法消息按 chunkSize 分块发送；传输层错误只影响所在分块
func (c *Client) Send(ctx context.Context, batch []Message) []Outcome {
	outcomes := make([]Outcome, 0, len(batch))

	var valid []Message
	for _, msg := range batch {
		if !IsExpoToken(msg.To) {
			outcomes = append(outcomes, Outcome{
				Token: msg.To,
				OK:    false,
				Error: "invalid push token format",
			})
			continue
		}
		valid = append(valid, msg)
	}

	for start := 0; start < len(valid); start += chunkSize {
		end := start + chunkSize
		if end > len(valid) {
			end = len(valid)
		}
		outcomes = append(outcomes, c.sendChunk(ctx, valid[start:end])...)
	}

	return outcomes
}

// sendChunk 发送单个分块
func (c *Client) sendChunk(ctx context.Context, chunk []Message) []Outcome {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.chunkFailed(chunk, fmt.Sprintf("rate limiter wait aborted: %v", err))
	}

	var response expoResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(chunk).
		SetResult(&response).
		Post("/--/api/v2/push/send")

	if err != nil {
		c.logger.Error("Expo push request failed",
			zap.Int("chunk_size", len(chunk)),
			zap.Error(err),
		)
		return c.chunkFailed(chunk, fmt.Sprintf("push transport error: %v", err))
	}

	if resp.IsError() {
		c.logger.Error("Expo push returned error status",
			zap.Int("status_code", resp.StatusCode()),
			zap.Int("chunk_size", len(chunk)),
		)
		return c.chunkFailed(chunk, fmt.Sprintf("push gateway returned status %d", resp.StatusCode()))
	}

	// ticket 数量与消息数量一一对应；数量不符时按索引对齐，缺失的按失败处理
	outcomes := make([]Outcome, 0, len(chunk))
	for i, msg := range chunk {
		if i >= len(response.Data) {
			outcomes = append(outcomes, Outcome{
				Token: msg.To,
				OK:    false,
				Error: "no ticket returned for message",
			})
			continue
		}
		ticket := response.Data[i]
		if ticket.Status == "ok" {
			outcomes = append(outcomes, Outcome{
				Token:    msg.To,
				OK:       true,
				TicketID: ticket.ID,
			})
		} else {
			outcomes = append(outcomes, Outcome{
				Token: msg.To,
				OK:    false,
				Error: ticket.Message,
			})
		}
	}

	c.logger.Debug("Expo push chunk sent",
		zap.Int("chunk_size", len(chunk)),
		zap.Int("ticket_count", len(response.Data)),
	)

	return outcomes
}

func (c *Client) chunkFailed(chunk []Message, errMsg string) []Outcome {
	outcomes := make([]Outcome, 0, len(chunk))
	for _, msg := range chunk {
		outcomes = append(outcomes, Outcome{
			Token: msg.To,
			OK:    false,
			Error: errMsg,
		})
	}
	return outcomes
}
