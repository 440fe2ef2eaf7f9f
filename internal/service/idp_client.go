package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// IdPUser 外部身份提供方的用户视图
type IdPUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Enabled  bool   `json:"enabled"`
}

// IdentityProvider 外部身份提供方能力（仅 Process/Complete 阶段使用）：
// 登录邮箱换绑必须先在 IdP 侧落地，失败时领域状态保持 approved 以便重试。
type IdentityProvider interface {
	// GetUser 按用户名或邮箱查找；不存在时返回错误
	GetUser(ctx context.Context, usernameOrEmail string) (*IdPUser, error)
	// UpdateUserAttributes 更新用户属性（email / email_verified 等）
	UpdateUserAttributes(ctx context.Context, username string, attributes map[string]string) error
}

// idpResponse IdP API 响应封套
type idpResponse struct {
	Status int     `json:"status"`
	Msg    string  `json:"msg"`
	User   *IdPUser `json:"user,omitempty"`
}

// RestyIdentityProvider 身份提供方 HTTP 客户端
type RestyIdentityProvider struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

var _ IdentityProvider = (*RestyIdentityProvider)(nil)

// NewRestyIdentityProvider 创建 IdP 客户端
func NewRestyIdentityProvider(baseURL, apiKey string, logger *zap.Logger) *RestyIdentityProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return &RestyIdentityProvider{httpClient: client, logger: logger}
}

func (c *RestyIdentityProvider) GetUser(ctx context.Context, usernameOrEmail string) (*IdPUser, error) {
	var response idpResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("q", usernameOrEmail).
		SetResult(&response).
		Get("/idp/v1/users/lookup")

	if err != nil {
		c.logger.Error("IdP lookup failed", zap.Error(err))
		return nil, fmt.Errorf("failed to call identity provider: %w", err)
	}
	if resp.IsError() || response.Status != 0 || response.User == nil {
		c.logger.Error("IdP lookup returned error",
			zap.Int("http_status", resp.StatusCode()),
			zap.Int("status", response.Status),
			zap.String("msg", response.Msg),
		)
		return nil, fmt.Errorf("identity provider error: %s (status: %d)", response.Msg, response.Status)
	}
	return response.User, nil
}

func (c *RestyIdentityProvider) UpdateUserAttributes(ctx context.Context, username string, attributes map[string]string) error {
	var response idpResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{"attributes": attributes}).
		SetResult(&response).
		Patch("/idp/v1/users/" + username + "/attributes")

	if err != nil {
		c.logger.Error("IdP attribute update failed",
			zap.String("username", username),
			zap.Error(err),
		)
		return fmt.Errorf("failed to call identity provider: %w", err)
	}
	if resp.IsError() || response.Status != 0 {
		c.logger.Error("IdP attribute update returned error",
			zap.String("username", username),
			zap.Int("http_status", resp.StatusCode()),
			zap.Int("status", response.Status),
			zap.String("msg", response.Msg),
		)
		return fmt.Errorf("identity provider error: %s (status: %d)", response.Msg, response.Status)
	}
	return nil
}

// StubIdentityProvider 进程内 stub（IdP 未配置时的开发回退 + 测试）。
// 账号以 current email 作为 username 维护。
type StubIdentityProvider struct {
	mu    sync.RWMutex
	users map[string]IdPUser // username -> user
}

var _ IdentityProvider = (*StubIdentityProvider)(nil)

func NewStubIdentityProvider() *StubIdentityProvider {
	return &StubIdentityProvider{users: map[string]IdPUser{}}
}

// SeedUser 写入/覆盖一个 IdP 用户
func (s *StubIdentityProvider) SeedUser(u IdPUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

func (s *StubIdentityProvider) GetUser(_ context.Context, usernameOrEmail string) (*IdPUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[usernameOrEmail]; ok {
		out := u
		return &out, nil
	}
	for _, u := range s.users {
		if u.Email == usernameOrEmail {
			out := u
			return &out, nil
		}
	}
	return nil, fmt.Errorf("identity provider user %q not found", usernameOrEmail)
}

func (s *StubIdentityProvider) UpdateUserAttributes(_ context.Context, username string, attributes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("identity provider user %q not found", username)
	}
	if email, ok := attributes["email"]; ok {
		u.Email = email
	}
	s.users[username] = u
	return nil
}
