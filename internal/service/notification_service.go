package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"tempo-accounts/internal/domain"
)

// 邮件模板名（与邮件服务侧的模板库对应）
const (
	TemplateVerifyEmail    = "email-change-verify"
	TemplateVerifyReminder = "email-change-verify-reminder"
	TemplateApprovalNeeded = "email-change-approval-needed"
	TemplateApproved       = "email-change-approved"
	TemplateRejected       = "email-change-rejected"
	TemplateCompleted      = "email-change-completed"
)

// NotificationService 生命周期邮件通知。
// 发送失败不回滚领域状态：除 Resend 外均为 best-effort，由编排层记日志后继续。
type NotificationService struct {
	mailer        Mailer
	verifyBaseURL string
	adminEmail    string
	logger        *zap.Logger
}

func NewNotificationService(mailer Mailer, verifyBaseURL, adminEmail string, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		mailer:        mailer,
		verifyBaseURL: verifyBaseURL,
		adminEmail:    adminEmail,
		logger:        logger,
	}
}

func (n *NotificationService) verifyURL(rawToken, emailType string) string {
	return fmt.Sprintf("%s/email-change/verify?token=%s&type=%s",
		n.verifyBaseURL, url.QueryEscape(rawToken), url.QueryEscape(emailType))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// SendVerificationRequested 发送验证邮件（current / new 各一封，地址和令牌不同）
func (n *NotificationService) SendVerificationRequested(ctx context.Context, toAddress, userName, emailType, rawToken string, req *domain.EmailChangeRequest) error {
	return n.mailer.SendTemplated(ctx, TemplateVerifyEmail, toAddress, map[string]any{
		"userName":     userName,
		"emailType":    emailType,
		"currentEmail": req.CurrentEmail,
		"newEmail":     req.NewEmail,
		"reason":       req.Reason,
		"actionUrl":    n.verifyURL(rawToken, emailType),
		"expiresAt":    formatTime(req.TokensExpireAt),
	})
}

// SendVerificationReminder 一侧验证完成后提醒另一侧。
// 明文令牌只在签发时可见（存储的是哈希），提醒邮件指向最初那封验证邮件，
// 找不到时可走 resend 重新签发。
func (n *NotificationService) SendVerificationReminder(ctx context.Context, toAddress, userName, emailType string, req *domain.EmailChangeRequest) error {
	return n.mailer.SendTemplated(ctx, TemplateVerifyReminder, toAddress, map[string]any{
		"userName":     userName,
		"emailType":    emailType,
		"currentEmail": req.CurrentEmail,
		"newEmail":     req.NewEmail,
		"expiresAt":    formatTime(req.TokensExpireAt),
	})
}

// SendApprovalNeeded 两侧验证完成、待人工审批时通知管理员
func (n *NotificationService) SendApprovalNeeded(ctx context.Context, userName string, req *domain.EmailChangeRequest) error {
	return n.mailer.SendTemplated(ctx, TemplateApprovalNeeded, n.adminEmail, map[string]any{
		"userName":     userName,
		"requestId":    req.RequestID,
		"currentEmail": req.CurrentEmail,
		"newEmail":     req.NewEmail,
		"reason":       req.Reason,
		"requestedAt":  formatTime(req.RequestedAt),
	})
}

// SendApproved 审批通过（含自动审批）后通知请求人
func (n *NotificationService) SendApproved(ctx context.Context, toAddress, userName string, req *domain.EmailChangeRequest) error {
	data := map[string]any{
		"userName":     userName,
		"currentEmail": req.CurrentEmail,
		"newEmail":     req.NewEmail,
	}
	if req.EstimatedCompletionAt.Valid {
		data["estimatedCompletionAt"] = formatTime(req.EstimatedCompletionAt.Time)
	}
	return n.mailer.SendTemplated(ctx, TemplateApproved, toAddress, data)
}

// SendRejected 驳回后通知请求人（含驳回原因）
func (n *NotificationService) SendRejected(ctx context.Context, toAddress, userName string, req *domain.EmailChangeRequest) error {
	data := map[string]any{
		"userName":     userName,
		"currentEmail": req.CurrentEmail,
		"newEmail":     req.NewEmail,
	}
	if req.RejectionReason.Valid {
		data["rejectionReason"] = req.RejectionReason.String
	}
	return n.mailer.SendTemplated(ctx, TemplateRejected, toAddress, data)
}

// SendCompleted 换绑完成后通知新地址
func (n *NotificationService) SendCompleted(ctx context.Context, toAddress, userName string, req *domain.EmailChangeRequest) error {
	data := map[string]any{
		"userName": userName,
		"newEmail": req.NewEmail,
	}
	if req.CompletedAt.Valid {
		data["completedAt"] = formatTime(req.CompletedAt.Time)
	}
	return n.mailer.SendTemplated(ctx, TemplateCompleted, toAddress, data)
}

// logSendFailure best-effort 路径上的发送失败只记日志
func (n *NotificationService) logSendFailure(requestID, template string, err error) {
	n.logger.Warn("Notification send failed, continuing",
		zap.String("request_id", requestID),
		zap.String("template", template),
		zap.Error(err),
	)
}
