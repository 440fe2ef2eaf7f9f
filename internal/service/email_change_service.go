package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tempo-accounts/internal/domain"
	"tempo-accounts/internal/events"
	"tempo-accounts/internal/repository"
	"tempo-accounts/internal/store"
	"tempo-accounts/internal/token"
	"tempo-accounts/internal/validation"
)

// Principal 网关解析后的调用方身份（本服务不做会话校验）
type Principal struct {
	UserID string
	Role   string // employee | manager | admin
}

// IsAdmin 是否管理员
func (p Principal) IsAdmin() bool { return p.Role == domain.RoleAdmin }

// resend 限流：每请求每侧每小时最多 3 次
const (
	resendRateLimit  = 3
	resendRateWindow = time.Hour
)

// EmailChangeService 邮箱变更生命周期编排：
// 校验 -> 读当前状态 -> 判定转移合法性 -> 落盘（聚合 + 审计）-> 通知 -> 返回结构化结果。
type EmailChangeService struct {
	repo     repository.EmailChangeRepository
	users    repository.UsersRepository
	notifier *NotificationService
	idp      IdentityProvider
	kv       store.KV
	pub      events.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewEmailChangeService 创建 EmailChangeService 实例（依赖全部构造注入，无隐藏单例）
func NewEmailChangeService(
	repo repository.EmailChangeRepository,
	users repository.UsersRepository,
	notifier *NotificationService,
	idp IdentityProvider,
	kv store.KV,
	pub events.Publisher,
	logger *zap.Logger,
) *EmailChangeService {
	return &EmailChangeService{
		repo:     repo,
		users:    users,
		notifier: notifier,
		idp:      idp,
		kv:       kv,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
	}
}

// RequestSummary 对外的请求视图
type RequestSummary struct {
	RequestID             string     `json:"requestId"`
	UserID                string     `json:"userId"`
	CurrentEmail          string     `json:"currentEmail"`
	NewEmail              string     `json:"newEmail"`
	Status                string     `json:"status"`
	Reason                string     `json:"reason"`
	CustomReason          string     `json:"customReason,omitempty"`
	CurrentEmailVerified  bool       `json:"currentEmailVerified"`
	NewEmailVerified      bool       `json:"newEmailVerified"`
	RequestedAt           time.Time  `json:"requestedAt"`
	VerifiedAt            *time.Time `json:"verifiedAt,omitempty"`
	ApprovedBy            string     `json:"approvedBy,omitempty"`
	ApprovedAt            *time.Time `json:"approvedAt,omitempty"`
	RejectedBy            string     `json:"rejectedBy,omitempty"`
	RejectedAt            *time.Time `json:"rejectedAt,omitempty"`
	RejectionReason       string     `json:"rejectionReason,omitempty"`
	CancelledBy           string     `json:"cancelledBy,omitempty"`
	CancelledAt           *time.Time `json:"cancelledAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimatedCompletionAt,omitempty"`
	// 管理员列表视图的用户信息补充
	UserDisplayName string `json:"userDisplayName,omitempty"`
	UserEmail       string `json:"userEmail,omitempty"`
}

func summarize(req *domain.EmailChangeRequest) RequestSummary {
	s := RequestSummary{
		RequestID:            req.RequestID,
		UserID:               req.UserID,
		CurrentEmail:         req.CurrentEmail,
		NewEmail:             req.NewEmail,
		Status:               req.Status,
		Reason:               req.Reason,
		CurrentEmailVerified: req.CurrentEmailVerified,
		NewEmailVerified:     req.NewEmailVerified,
		RequestedAt:          req.RequestedAt,
	}
	if req.CustomReason.Valid {
		s.CustomReason = req.CustomReason.String
	}
	if req.VerifiedAt.Valid {
		t := req.VerifiedAt.Time
		s.VerifiedAt = &t
	}
	if req.ApprovedBy.Valid {
		s.ApprovedBy = req.ApprovedBy.String
	}
	if req.ApprovedAt.Valid {
		t := req.ApprovedAt.Time
		s.ApprovedAt = &t
	}
	if req.RejectedBy.Valid {
		s.RejectedBy = req.RejectedBy.String
	}
	if req.RejectedAt.Valid {
		t := req.RejectedAt.Time
		s.RejectedAt = &t
	}
	if req.RejectionReason.Valid {
		s.RejectionReason = req.RejectionReason.String
	}
	if req.CancelledBy.Valid {
		s.CancelledBy = req.CancelledBy.String
	}
	if req.CancelledAt.Valid {
		t := req.CancelledAt.Time
		s.CancelledAt = &t
	}
	if req.CompletedAt.Valid {
		t := req.CompletedAt.Time
		s.CompletedAt = &t
	}
	if req.EstimatedCompletionAt.Valid {
		t := req.EstimatedCompletionAt.Time
		s.EstimatedCompletionAt = &t
	}
	return s
}

// internalErr 记录上下文后收敛为不暴露内部细节的 INTERNAL_ERROR
func (s *EmailChangeService) internalErr(operation string, err error, fields ...zap.Field) *Error {
	fields = append(fields, zap.String("operation", operation), zap.Error(err))
	s.logger.Error("Email change operation failed", fields...)
	return NewError(CodeInternal, "internal error")
}

func (s *EmailChangeService) publish(event string, req *domain.EmailChangeRequest) {
	err := s.pub.Publish(event, map[string]any{
		"requestId": req.RequestID,
		"userId":    req.UserID,
		"status":    req.Status,
	})
	if err != nil {
		s.logger.Warn("Failed to publish lifecycle event",
			zap.String("event", event),
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}
}

// userName 通知收件人展示名（查不到时退回邮箱地址）
func (s *EmailChangeService) userName(ctx context.Context, userID, fallback string) string {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fallback
	}
	return u.Name()
}

// ---------------------------------------------------------------------------
// Submit

// SubmitRequest 提交变更请求
type SubmitRequest struct {
	TargetUserID string // 可选：管理员代他人提交
	NewEmail     string
	Reason       string
	CustomReason string
	IPAddress    string
	UserAgent    string
}

// SubmitResponse 提交结果
type SubmitResponse struct {
	Request          RequestSummary `json:"request"`
	RequiresApproval bool           `json:"requiresApproval"`
	NextSteps        []string       `json:"nextSteps"`
}

// Submit 提交邮箱变更请求：本人提交，或管理员代任意用户提交
func (s *EmailChangeService) Submit(ctx context.Context, principal Principal, req SubmitRequest) (*SubmitResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}

	targetID := principal.UserID
	if req.TargetUserID != "" && req.TargetUserID != principal.UserID {
		if !principal.IsAdmin() {
			s.logger.Warn("Email change submit denied: not admin",
				zap.String("user_id", principal.UserID),
				zap.String("target_user_id", req.TargetUserID),
				zap.String("ip_address", req.IPAddress),
				zap.String("user_agent", req.UserAgent),
			)
			return nil, NewError(CodeInsufficientPermissions, "only administrators can submit a request for another user")
		}
		targetID = req.TargetUserID
	}

	if v := validation.ValidateCreateRequest(req.NewEmail, req.Reason, req.CustomReason); !v.IsValid {
		return nil, NewError(CodeInvalidRequestData, strings.Join(v.Errors, "; "))
	}
	newEmail := strings.TrimSpace(req.NewEmail)

	user, err := s.users.GetUserByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, NewError(CodeUserNotFound, "user not found")
		}
		return nil, s.internalErr("submit", err, zap.String("user_id", targetID))
	}

	if validation.IsSameEmail(user.Email, newEmail) {
		return nil, NewError(CodeSameAsCurrentEmail, "new email must differ from the current email")
	}

	// 新邮箱不得属于其他账号
	if owner, err := s.users.GetUserByEmail(ctx, newEmail); err == nil {
		if owner.UserID != targetID {
			return nil, NewError(CodeEmailAlreadyExists, "an account with this email already exists")
		}
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, s.internalErr("submit", err, zap.String("user_id", targetID))
	}

	active, err := s.repo.HasActiveRequest(ctx, targetID)
	if err != nil {
		return nil, s.internalErr("submit", err, zap.String("user_id", targetID))
	}
	if active {
		return nil, NewError(CodeActiveRequestExists, "an email change request is already in progress")
	}

	if last, ok, err := s.repo.LastRequestedAt(ctx, targetID); err != nil {
		return nil, s.internalErr("submit", err, zap.String("user_id", targetID))
	} else if ok && validation.InCooldown(last, s.now()) {
		return nil, NewError(CodeCooldownActive, "please wait 24 hours between email change requests")
	}

	created, tokens, err := s.repo.CreateRequest(ctx, repository.CreateParams{
		UserID:       targetID,
		CurrentEmail: user.Email,
		NewEmail:     newEmail,
		Reason:       req.Reason,
		CustomReason: req.CustomReason,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
	})
	if err != nil {
		// 写时唯一性约束兜底（并发提交下 HasActiveRequest 检查存在窗口）
		if errors.Is(err, repository.ErrDuplicateActive) {
			return nil, NewError(CodeActiveRequestExists, "an email change request is already in progress")
		}
		return nil, s.internalErr("submit", err, zap.String("user_id", targetID))
	}

	// 两封验证邮件 best-effort：失败不回滚，用户可 resend
	if err := s.notifier.SendVerificationRequested(ctx, created.CurrentEmail, user.Name(), domain.EmailTypeCurrent, tokens.CurrentToken, created); err != nil {
		s.notifier.logSendFailure(created.RequestID, TemplateVerifyEmail, err)
	}
	if err := s.notifier.SendVerificationRequested(ctx, created.NewEmail, user.Name(), domain.EmailTypeNew, tokens.NewToken, created); err != nil {
		s.notifier.logSendFailure(created.RequestID, TemplateVerifyEmail, err)
	}

	requiresApproval := domain.RequiresApproval(created.Reason, created.CurrentEmail, created.NewEmail)

	s.logger.Info("Email change request submitted",
		zap.String("request_id", created.RequestID),
		zap.String("user_id", targetID),
		zap.String("submitted_by", principal.UserID),
		zap.String("reason", created.Reason),
		zap.Bool("requires_approval", requiresApproval),
		zap.String("ip_address", req.IPAddress),
		zap.String("user_agent", req.UserAgent),
	)
	s.publish(events.EventSubmitted, created)

	nextSteps := []string{
		fmt.Sprintf("Confirm the change from your current address %s", created.CurrentEmail),
		fmt.Sprintf("Confirm you control the new address %s", created.NewEmail),
	}
	if requiresApproval {
		nextSteps = append(nextSteps, "An administrator will review the request once both addresses are verified")
	} else {
		nextSteps = append(nextSteps, "The change will be approved automatically once both addresses are verified")
	}

	return &SubmitResponse{
		Request:          summarize(created),
		RequiresApproval: requiresApproval,
		NextSteps:        nextSteps,
	}, nil
}

// ---------------------------------------------------------------------------
// Verify

// VerifyRequest 验证操作（公开接口，持有效令牌即授权）
type VerifyRequest struct {
	Token     string
	EmailType string
	IPAddress string
	UserAgent string
}

// VerifyResponse 验证结果
type VerifyResponse struct {
	Request   RequestSummary `json:"request"`
	NextSteps []string       `json:"nextSteps"`
}

// Verify 用令牌验证一侧邮箱；两侧齐备时触发审批流或自动审批
func (s *EmailChangeService) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	if v := validation.ValidateVerifyRequest(req.Token, req.EmailType); !v.IsValid {
		return nil, NewError(CodeInvalidRequestData, strings.Join(v.Errors, "; "))
	}
	if !token.IsValidFormat(req.Token) {
		return nil, NewError(CodeInvalidVerificationToken, "verification token is invalid")
	}

	found, err := s.repo.GetByToken(ctx, req.Token, req.EmailType)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeInvalidVerificationToken, "verification token is invalid")
		}
		return nil, s.internalErr("verify", err)
	}

	if found.TokensExpired(s.now()) {
		return nil, NewError(CodeVerificationTokenExpired, "verification token has expired, request a new one")
	}
	if found.IsVerified(req.EmailType) {
		return nil, NewError(CodeEmailAlreadyVerified, "this email address is already verified")
	}
	if found.Status != domain.StatusPendingVerification {
		return nil, NewError(CodeInvalidRequestData, "request is not awaiting verification")
	}

	updated, err := s.repo.UpdateVerificationStatus(ctx, found.RequestID, req.EmailType, req.IPAddress, req.UserAgent)
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, NewError(CodeInvalidRequestData, "request is not awaiting verification")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("verify", err, zap.String("request_id", found.RequestID))
	}

	name := s.userName(ctx, updated.UserID, updated.CurrentEmail)

	var nextSteps []string
	switch updated.Status {
	case domain.StatusPendingVerification:
		// 另一侧尚未验证：提醒未验证的那一侧
		otherType := domain.EmailTypeCurrent
		otherAddr := updated.CurrentEmail
		if !updated.NewEmailVerified {
			otherType = domain.EmailTypeNew
			otherAddr = updated.NewEmail
		}
		if err := s.notifier.SendVerificationReminder(ctx, otherAddr, name, otherType, updated); err != nil {
			s.notifier.logSendFailure(updated.RequestID, TemplateVerifyReminder, err)
		}
		nextSteps = append(nextSteps, fmt.Sprintf("Verify the %s email address %s to continue", otherType, otherAddr))
	case domain.StatusPendingApproval:
		if err := s.notifier.SendApprovalNeeded(ctx, name, updated); err != nil {
			s.notifier.logSendFailure(updated.RequestID, TemplateApprovalNeeded, err)
		}
		nextSteps = append(nextSteps, "Both addresses are verified; an administrator will review the request")
	case domain.StatusApproved:
		if err := s.notifier.SendApproved(ctx, updated.CurrentEmail, name, updated); err != nil {
			s.notifier.logSendFailure(updated.RequestID, TemplateApproved, err)
		}
		nextSteps = append(nextSteps, "The request was approved automatically and will be processed shortly")
	}

	s.logger.Info("Email change verification recorded",
		zap.String("request_id", updated.RequestID),
		zap.String("email_type", req.EmailType),
		zap.String("status", updated.Status),
		zap.String("ip_address", req.IPAddress),
	)
	s.publish(events.EventVerified, updated)

	return &VerifyResponse{Request: summarize(updated), NextSteps: nextSteps}, nil
}

// ---------------------------------------------------------------------------
// Resend

// ResendRequest 重发验证邮件
type ResendRequest struct {
	RequestID string
	EmailType string
	IPAddress string
	UserAgent string
}

// ResendResponse 重发结果
type ResendResponse struct {
	Request RequestSummary `json:"request"`
	Message string         `json:"message"`
}

// Resend 为指定侧重新签发令牌并重发验证邮件。
// 与 Submit 不同：这里发信失败是硬错误——重发的意义就是投递。
func (s *EmailChangeService) Resend(ctx context.Context, principal Principal, req ResendRequest) (*ResendResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}
	if v := validation.ValidateResendRequest(req.EmailType); !v.IsValid {
		return nil, NewError(CodeInvalidRequestData, strings.Join(v.Errors, "; "))
	}

	found, err := s.repo.GetByID(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("resend", err, zap.String("request_id", req.RequestID))
	}

	if found.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, NewError(CodeInsufficientPermissions, "only the request owner or an administrator can resend verification")
	}
	if found.Status != domain.StatusPendingVerification {
		return nil, NewError(CodeInvalidRequestData, "request is not awaiting verification")
	}
	if found.IsVerified(req.EmailType) {
		return nil, NewError(CodeEmailAlreadyVerified, "this email address is already verified")
	}

	// 限流计数；限流器不可用时放行并告警（可用性优先于限流精度）
	key := fmt.Sprintf("email_change:resend:%s:%s", found.RequestID, req.EmailType)
	if n, err := s.kv.Incr(ctx, key, resendRateWindow); err != nil {
		s.logger.Warn("Resend rate limiter unavailable",
			zap.String("request_id", found.RequestID),
			zap.Error(err),
		)
	} else if n > resendRateLimit {
		return nil, NewError(CodeVerificationRateLimited, "too many verification emails requested, try again later")
	}

	updated, rawToken, err := s.repo.RegenerateTokens(ctx, found.RequestID, req.EmailType, req.IPAddress, req.UserAgent)
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, NewError(CodeInvalidRequestData, "request is not awaiting verification")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("resend", err, zap.String("request_id", found.RequestID))
	}

	toAddress := updated.CurrentEmail
	if req.EmailType == domain.EmailTypeNew {
		toAddress = updated.NewEmail
	}
	name := s.userName(ctx, updated.UserID, toAddress)

	if err := s.notifier.SendVerificationRequested(ctx, toAddress, name, req.EmailType, rawToken, updated); err != nil {
		s.logger.Error("Resend verification email failed",
			zap.String("request_id", updated.RequestID),
			zap.String("email_type", req.EmailType),
			zap.Error(err),
		)
		return nil, NewError(CodeEmailSendFailed, "verification email could not be delivered")
	}

	s.logger.Info("Verification email resent",
		zap.String("request_id", updated.RequestID),
		zap.String("email_type", req.EmailType),
		zap.String("performed_by", principal.UserID),
		zap.String("ip_address", req.IPAddress),
	)

	return &ResendResponse{
		Request: summarize(updated),
		Message: fmt.Sprintf("verification email sent to %s", toAddress),
	}, nil
}

// ---------------------------------------------------------------------------
// Approve / Reject / Cancel

// ApproveRequest 审批通过
type ApproveRequest struct {
	RequestID     string
	ApprovalNotes string
	IPAddress     string
	UserAgent     string
}

// DecisionResponse 审批/驳回/取消/处理的统一结果
type DecisionResponse struct {
	Request RequestSummary `json:"request"`
}

// Approve 管理员审批通过。
// 自我审批规则是刻意的非对称策略：管理员可以批准自己的请求，
// 其他角色不能批准自己的请求（驳回则对所有人对称禁止，见 Reject）。
func (s *EmailChangeService) Approve(ctx context.Context, principal Principal, req ApproveRequest) (*DecisionResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}
	if !principal.IsAdmin() {
		s.logger.Warn("Email change approve denied: not admin",
			zap.String("user_id", principal.UserID),
			zap.String("request_id", req.RequestID),
			zap.String("ip_address", req.IPAddress),
		)
		return nil, NewError(CodeInsufficientApprovalPerms, "administrator role is required to approve requests")
	}
	if v := validation.ValidateApproveRequest(req.ApprovalNotes); !v.IsValid {
		return nil, NewError(CodeInvalidRequestData, strings.Join(v.Errors, "; "))
	}

	found, err := s.repo.GetByID(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("approve", err, zap.String("request_id", req.RequestID))
	}

	if found.UserID == principal.UserID && !principal.IsAdmin() {
		return nil, NewError(CodeCannotApproveOwnRequest, "you cannot approve your own email change request")
	}
	if found.Status != domain.StatusPendingApproval {
		return nil, NewError(CodeRequestNotPendingApproval, "request is not awaiting approval")
	}
	if !found.BothVerified() {
		return nil, NewError(CodeInvalidRequestData, "both email addresses must be verified before approval")
	}

	updated, err := s.repo.Approve(ctx, found.RequestID, principal.UserID, req.ApprovalNotes, req.IPAddress, req.UserAgent)
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, NewError(CodeRequestNotPendingApproval, "request is not awaiting approval")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("approve", err, zap.String("request_id", found.RequestID))
	}

	name := s.userName(ctx, updated.UserID, updated.CurrentEmail)
	if err := s.notifier.SendApproved(ctx, updated.CurrentEmail, name, updated); err != nil {
		s.notifier.logSendFailure(updated.RequestID, TemplateApproved, err)
	}

	s.logger.Info("Email change request approved",
		zap.String("request_id", updated.RequestID),
		zap.String("approved_by", principal.UserID),
		zap.String("ip_address", req.IPAddress),
	)
	s.publish(events.EventApproved, updated)

	return &DecisionResponse{Request: summarize(updated)}, nil
}

// RejectRequest 驳回
type RejectRequest struct {
	RequestID       string
	RejectionReason string
	IPAddress       string
	UserAgent       string
}

// Reject 管理员驳回；任何人（含管理员）都不能驳回自己的请求
func (s *EmailChangeService) Reject(ctx context.Context, principal Principal, req RejectRequest) (*DecisionResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}
	if !principal.IsAdmin() {
		return nil, NewError(CodeInsufficientApprovalPerms, "administrator role is required to reject requests")
	}
	if v := validation.ValidateRejectRequest(req.RejectionReason); !v.IsValid {
		return nil, NewError(CodeInvalidRequestData, strings.Join(v.Errors, "; "))
	}

	found, err := s.repo.GetByID(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("reject", err, zap.String("request_id", req.RequestID))
	}

	if found.UserID == principal.UserID {
		return nil, NewError(CodeCannotRejectOwnRequest, "you cannot reject your own email change request")
	}
	if found.Status != domain.StatusPendingVerification && found.Status != domain.StatusPendingApproval {
		return nil, NewError(CodeInvalidRequestData, "request can no longer be rejected")
	}

	updated, err := s.repo.Reject(ctx, found.RequestID, principal.UserID, req.RejectionReason, req.IPAddress, req.UserAgent)
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, NewError(CodeInvalidRequestData, "request can no longer be rejected")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("reject", err, zap.String("request_id", found.RequestID))
	}

	name := s.userName(ctx, updated.UserID, updated.CurrentEmail)
	if err := s.notifier.SendRejected(ctx, updated.CurrentEmail, name, updated); err != nil {
		s.notifier.logSendFailure(updated.RequestID, TemplateRejected, err)
	}

	s.logger.Info("Email change request rejected",
		zap.String("request_id", updated.RequestID),
		zap.String("rejected_by", principal.UserID),
		zap.String("ip_address", req.IPAddress),
	)
	s.publish(events.EventRejected, updated)

	return &DecisionResponse{Request: summarize(updated)}, nil
}

// CancelRequest 取消
type CancelRequest struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// Cancel 请求人或管理员取消进行中的请求
func (s *EmailChangeService) Cancel(ctx context.Context, principal Principal, req CancelRequest) (*DecisionResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}

	found, err := s.repo.GetByID(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("cancel", err, zap.String("request_id", req.RequestID))
	}

	if found.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, NewError(CodeInsufficientPermissions, "only the request owner or an administrator can cancel the request")
	}
	if found.Status == domain.StatusCompleted {
		return nil, NewError(CodeRequestAlreadyCompleted, "a completed email change cannot be cancelled")
	}
	if found.Status != domain.StatusPendingVerification && found.Status != domain.StatusPendingApproval {
		return nil, NewError(CodeCannotCancelRequest, fmt.Sprintf("request in status %s cannot be cancelled", found.Status))
	}

	updated, err := s.repo.Cancel(ctx, found.RequestID, principal.UserID, req.IPAddress, req.UserAgent)
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, NewError(CodeCannotCancelRequest, "request can no longer be cancelled")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("cancel", err, zap.String("request_id", found.RequestID))
	}

	s.logger.Info("Email change request cancelled",
		zap.String("request_id", updated.RequestID),
		zap.String("cancelled_by", principal.UserID),
		zap.String("ip_address", req.IPAddress),
	)
	s.publish(events.EventCancelled, updated)

	return &DecisionResponse{Request: summarize(updated)}, nil
}

// ---------------------------------------------------------------------------
// Process

// ProcessRequest 执行换绑
type ProcessRequest struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// Process 执行已批准的换绑：先在外部身份提供方落地，再更新档案库，最后置 completed。
// IdP 侧失败时领域状态保持 approved，调用方可重试。
func (s *EmailChangeService) Process(ctx context.Context, principal Principal, req ProcessRequest) (*DecisionResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}
	if !principal.IsAdmin() {
		return nil, NewError(CodeInsufficientPermissions, "administrator role is required to process requests")
	}

	found, err := s.repo.GetByID(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("process", err, zap.String("request_id", req.RequestID))
	}
	if found.Status != domain.StatusApproved {
		return nil, NewError(CodeRequestNotApproved, "request must be approved before processing")
	}

	idpUser, err := s.idp.GetUser(ctx, found.CurrentEmail)
	if err != nil {
		s.logger.Error("Identity provider lookup failed",
			zap.String("request_id", found.RequestID),
			zap.String("user_id", found.UserID),
			zap.Error(err),
		)
		return nil, NewError(CodeProcessingFailed, "identity provider lookup failed, request remains approved")
	}

	err = s.idp.UpdateUserAttributes(ctx, idpUser.Username, map[string]string{
		"email":          found.NewEmail,
		"email_verified": "true",
	})
	if err != nil {
		s.logger.Error("Identity provider email update failed",
			zap.String("request_id", found.RequestID),
			zap.String("user_id", found.UserID),
			zap.Error(err),
		)
		return nil, NewError(CodeProcessingFailed, "identity provider update failed, request remains approved")
	}

	if err := s.users.UpdateUserEmail(ctx, found.UserID, found.NewEmail); err != nil {
		// IdP 已更新而档案库失败：保持 approved 供重试，重试时 IdP 更新幂等
		s.logger.Error("Profile store email update failed after IdP update",
			zap.String("request_id", found.RequestID),
			zap.String("user_id", found.UserID),
			zap.Error(err),
		)
		return nil, NewError(CodeProcessingFailed, "profile update failed, request remains approved")
	}

	updated, err := s.repo.Complete(ctx, found.RequestID, principal.UserID, req.IPAddress, req.UserAgent)
	if err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, NewError(CodeRequestNotApproved, "request must be approved before processing")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("process", err, zap.String("request_id", found.RequestID))
	}

	name := s.userName(ctx, updated.UserID, updated.NewEmail)
	if err := s.notifier.SendCompleted(ctx, updated.NewEmail, name, updated); err != nil {
		s.notifier.logSendFailure(updated.RequestID, TemplateCompleted, err)
	}

	s.logger.Info("Email change request completed",
		zap.String("request_id", updated.RequestID),
		zap.String("user_id", updated.UserID),
		zap.String("processed_by", principal.UserID),
	)
	s.publish(events.EventCompleted, updated)

	return &DecisionResponse{Request: summarize(updated)}, nil
}

// ---------------------------------------------------------------------------
// List / Get

// ListRequest 列表查询
type ListRequest struct {
	UserID           string // 管理员可指定；非管理员强制为本人
	Status           string
	IncludeCompleted bool
	SortBy           string
	SortOrder        string
	Limit            int
	Cursor           string
}

// ListResponse 列表结果
type ListResponse struct {
	Items      []RequestSummary `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// List 请求列表：管理员可看全部并带用户信息补充，其他角色只能看自己的
func (s *EmailChangeService) List(ctx context.Context, principal Principal, req ListRequest) (*ListResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}
	if req.Status != "" && !domain.IsValidStatus(req.Status) {
		return nil, NewError(CodeInvalidRequestData, fmt.Sprintf("status %q is not a valid request status", req.Status))
	}

	q := repository.ListQuery{
		UserID:           req.UserID,
		Status:           req.Status,
		IncludeCompleted: req.IncludeCompleted,
		SortBy:           req.SortBy,
		SortOrder:        req.SortOrder,
		Limit:            req.Limit,
		Cursor:           req.Cursor,
	}
	if !principal.IsAdmin() {
		q.UserID = principal.UserID
	}

	page, err := s.repo.ListRequests(ctx, q)
	if err != nil {
		return nil, s.internalErr("list", err, zap.String("user_id", principal.UserID))
	}

	items := make([]RequestSummary, 0, len(page.Items))
	userCache := map[string]*domain.User{}
	for i := range page.Items {
		item := summarize(&page.Items[i])
		if principal.IsAdmin() {
			u, ok := userCache[item.UserID]
			if !ok {
				u, _ = s.users.GetUserByID(ctx, item.UserID) // 查不到就不补充
				userCache[item.UserID] = u
			}
			if u != nil {
				item.UserDisplayName = u.Name()
				item.UserEmail = u.Email
			}
		}
		items = append(items, item)
	}

	return &ListResponse{Items: items, NextCursor: page.NextCursor}, nil
}

// AuditEntry 审计日志视图
type AuditEntry struct {
	Action      string    `json:"action"`
	PerformedBy string    `json:"performedBy,omitempty"`
	PerformedAt time.Time `json:"performedAt"`
	Details     string    `json:"details,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
}

// GetResponse 单个请求详情 + 审计轨迹
type GetResponse struct {
	Request    RequestSummary `json:"request"`
	AuditTrail []AuditEntry   `json:"auditTrail"`
}

// Get 请求详情：请求人或管理员可见
func (s *EmailChangeService) Get(ctx context.Context, principal Principal, requestID string) (*GetResponse, error) {
	if principal.UserID == "" {
		return nil, NewError(CodeUnauthenticated, "authenticated principal is required")
	}

	found, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NewError(CodeRequestNotFound, "email change request not found")
		}
		return nil, s.internalErr("get", err, zap.String("request_id", requestID))
	}
	if found.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, NewError(CodeInsufficientPermissions, "only the request owner or an administrator can view the request")
	}

	logs, err := s.repo.ListAuditLogs(ctx, requestID)
	if err != nil {
		return nil, s.internalErr("get", err, zap.String("request_id", requestID))
	}

	trail := make([]AuditEntry, 0, len(logs))
	for _, l := range logs {
		e := AuditEntry{Action: l.Action, PerformedAt: l.PerformedAt}
		if l.PerformedBy.Valid {
			e.PerformedBy = l.PerformedBy.String
		}
		if l.Details.Valid {
			e.Details = l.Details.String
		}
		if l.IPAddress.Valid {
			e.IPAddress = l.IPAddress.String
		}
		if l.UserAgent.Valid {
			e.UserAgent = l.UserAgent.String
		}
		trail = append(trail, e)
	}

	return &GetResponse{Request: summarize(found), AuditTrail: trail}, nil
}
