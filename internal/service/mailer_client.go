package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Mailer 邮件投递能力：按模板名 + 结构化数据发送
type Mailer interface {
	SendTemplated(ctx context.Context, templateName, toAddress string, data map[string]any) error
}

// mailerRequest 邮件服务 API 请求体
type mailerRequest struct {
	Template string         `json:"template"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Data     map[string]any `json:"data"`
}

// mailerResponse 邮件服务 API 响应
type mailerResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// RestyMailer 邮件投递 HTTP 客户端
type RestyMailer struct {
	httpClient *resty.Client
	sender     string
	logger     *zap.Logger
}

var _ Mailer = (*RestyMailer)(nil)

// NewRestyMailer 创建邮件投递客户端
func NewRestyMailer(baseURL, apiKey, sender string, logger *zap.Logger) *RestyMailer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return &RestyMailer{
		httpClient: client,
		sender:     sender,
		logger:     logger,
	}
}

func (m *RestyMailer) SendTemplated(ctx context.Context, templateName, toAddress string, data map[string]any) error {
	request := mailerRequest{
		Template: templateName,
		From:     m.sender,
		To:       toAddress,
		Data:     data,
	}

	var response mailerResponse
	resp, err := m.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("/mail/v1/send")

	if err != nil {
		m.logger.Error("Mailer API call failed",
			zap.String("template", templateName),
			zap.Error(err),
		)
		return fmt.Errorf("failed to call mailer API: %w", err)
	}
	if resp.IsError() || response.Status != 0 {
		m.logger.Error("Mailer API returned error",
			zap.String("template", templateName),
			zap.Int("http_status", resp.StatusCode()),
			zap.Int("status", response.Status),
			zap.String("msg", response.Msg),
		)
		return fmt.Errorf("mailer API error: %s (status: %d)", response.Msg, response.Status)
	}

	return nil
}

// LogMailer 本地开发用：只记录日志不真正发送
type LogMailer struct {
	logger *zap.Logger
}

var _ Mailer = (*LogMailer)(nil)

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendTemplated(_ context.Context, templateName, toAddress string, data map[string]any) error {
	m.logger.Info("Mail send skipped (no mailer configured)",
		zap.String("template", templateName),
		zap.String("to", toAddress),
		zap.Any("data", data),
	)
	return nil
}
