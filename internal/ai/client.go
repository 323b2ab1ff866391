package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"perp-pilot/internal/config"
)

// Outcome 描述一次模型调用的结果类别。
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeConfigError Outcome = "config_error"
	OutcomeAPIError    Outcome = "api_error"
	OutcomeEmpty       Outcome = "empty"
)

// Response 是模型调用的结果；Outcome 非 ok 时 Err 记录原因。
type Response struct {
	Outcome Outcome
	Text    string
	Err     error
}

// OK 判断调用是否得到非空文本。
func (r Response) OK() bool {
	return r.Outcome == OutcomeOK
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    chatCompleter
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("ai: openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return newClient(cfg, openai.NewClientWithConfig(sdkConfig), logger), nil
}

func newClient(cfg config.OpenAIConfig, sdk chatCompleter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    sdk,
	}
}

// Generate 以系统提示词与用户提示词请求一次补全，错误按类别归入 Outcome。
func (c *Client) Generate(ctx context.Context, system, user string) Response {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		outcome := classify(err)
		c.logger.Error("调用OpenAI失败",
			zap.String("outcome", string(outcome)),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		return Response{Outcome: outcome, Err: fmt.Errorf("ai: 调用OpenAI失败: %w", err)}
	}

	if len(resp.Choices) == 0 {
		return Response{Outcome: OutcomeEmpty, Err: errors.New("ai: OpenAI 返回结果为空")}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Response{Outcome: OutcomeEmpty, Err: errors.New("ai: OpenAI 返回内容为空")}
	}

	c.logger.Debug("模型调用成功",
		zap.String("model", c.cfg.Model),
		zap.Duration("latency", time.Since(start)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return Response{Outcome: OutcomeOK, Text: text}
}

func classify(err error) Outcome {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return outcomeForStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return outcomeForStatus(reqErr.HTTPStatusCode)
	}
	return OutcomeAPIError
}

func outcomeForStatus(code int) Outcome {
	switch code {
	case http.StatusTooManyRequests:
		return OutcomeRateLimited
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return OutcomeConfigError
	default:
		return OutcomeAPIError
	}
}
