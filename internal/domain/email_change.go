package domain

import (
	"database/sql"
	"strings"
	"time"
)

// 邮箱变更请求状态机：
//
//	pending_verification -> pending_approval -> approved -> completed
//	pending_verification / pending_approval -> rejected | cancelled
//
// completed / rejected / cancelled 为终态，不可再转移。
const (
	StatusPendingVerification = "pending_verification"
	StatusPendingApproval     = "pending_approval"
	StatusApproved            = "approved"
	StatusCompleted           = "completed"
	StatusRejected            = "rejected"
	StatusCancelled           = "cancelled"
)

// 变更原因枚举
const (
	ReasonNameChange         = "name_change"
	ReasonCompanyChange      = "company_change"
	ReasonPersonalPreference = "personal_preference"
	ReasonSecurityConcern    = "security_concern"
	ReasonOther              = "other"
)

// 验证对象：当前邮箱 / 新邮箱
const (
	EmailTypeCurrent = "current"
	EmailTypeNew     = "new"
)

// 审计动作枚举（与生命周期事件一一对应）
const (
	AuditActionCreated              = "created"
	AuditActionCurrentEmailVerified = "current_email_verified"
	AuditActionNewEmailVerified     = "new_email_verified"
	AuditActionAutoApproved         = "auto_approved"
	AuditActionApproved             = "approved"
	AuditActionRejected             = "rejected"
	AuditActionCancelled            = "cancelled"
	AuditActionCompleted            = "completed"
	AuditActionVerificationResent   = "verification_resent"
)

// SystemActor 系统自动操作（如自动审批）的 performed_by 值
const SystemActor = "system"

// VerificationTokenTTL 验证令牌有效期（签发/重新生成后 24 小时）
const VerificationTokenTTL = 24 * time.Hour

// EmailChangeRequest 邮箱变更请求领域模型（对应 email_change_requests 表）
type EmailChangeRequest struct {
	RequestID    string         `db:"request_id"`
	UserID       string         `db:"user_id"`
	CurrentEmail string         `db:"current_email"`
	NewEmail     string         `db:"new_email"`
	Status       string         `db:"status"`
	Reason       string         `db:"reason"`
	CustomReason sql.NullString `db:"custom_reason"` // reason = other 时必填

	// 验证子状态：两侧邮箱各自独立验证，共享一个过期时间
	CurrentEmailVerified bool      `db:"current_email_verified"`
	NewEmailVerified     bool      `db:"new_email_verified"`
	CurrentTokenHash     []byte    `db:"current_token_hash"` // SHA256(token)，不存明文
	NewTokenHash         []byte    `db:"new_token_hash"`
	TokensExpireAt       time.Time `db:"tokens_expire_at"`

	// 决策子状态
	ApprovedBy      sql.NullString `db:"approved_by"`
	ApprovedAt      sql.NullTime   `db:"approved_at"`
	ApprovalNotes   sql.NullString `db:"approval_notes"`
	RejectedBy      sql.NullString `db:"rejected_by"`
	RejectedAt      sql.NullTime   `db:"rejected_at"`
	RejectionReason sql.NullString `db:"rejection_reason"`
	CancelledBy     sql.NullString `db:"cancelled_by"`
	CancelledAt     sql.NullTime   `db:"cancelled_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`

	EstimatedCompletionAt sql.NullTime `db:"estimated_completion_at"`

	// 审计字段
	RequestedAt time.Time      `db:"requested_at"`
	VerifiedAt  sql.NullTime   `db:"verified_at"` // 两侧均验证完成的时刻
	IPAddress   sql.NullString `db:"ip_address"`
	UserAgent   sql.NullString `db:"user_agent"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// EmailChangeAuditLog 审计日志（追加写，不更新不删除）
// request_id 为弱引用：日志不随请求删除。
type EmailChangeAuditLog struct {
	LogID       string         `db:"log_id"`
	RequestID   string         `db:"request_id"`
	Action      string         `db:"action"`
	PerformedBy sql.NullString `db:"performed_by"` // NULL/system = 非人工操作
	PerformedAt time.Time      `db:"performed_at"`
	Details     sql.NullString `db:"details"` // JSON 序列化的结构化详情
	IPAddress   sql.NullString `db:"ip_address"`
	UserAgent   sql.NullString `db:"user_agent"`
}

// ActiveStatuses 活跃状态集合（同一用户同一时刻至多一个活跃请求）
func ActiveStatuses() []string {
	return []string{StatusPendingVerification, StatusPendingApproval, StatusApproved}
}

// IsTerminalStatus 是否终态
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsValidStatus 是否合法状态值
func IsValidStatus(status string) bool {
	switch status {
	case StatusPendingVerification, StatusPendingApproval, StatusApproved,
		StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsValidReason 是否合法变更原因
func IsValidReason(reason string) bool {
	switch reason {
	case ReasonNameChange, ReasonCompanyChange, ReasonPersonalPreference,
		ReasonSecurityConcern, ReasonOther:
		return true
	}
	return false
}

// IsValidEmailType 验证对象是否合法
func IsValidEmailType(emailType string) bool {
	return emailType == EmailTypeCurrent || emailType == EmailTypeNew
}

// CanTransition 状态图上是否存在 from -> to 的边（单向，无回退）
func CanTransition(from, to string) bool {
	switch from {
	case StatusPendingVerification:
		return to == StatusPendingApproval || to == StatusApproved ||
			to == StatusRejected || to == StatusCancelled
	case StatusPendingApproval:
		return to == StatusApproved || to == StatusRejected || to == StatusCancelled
	case StatusApproved:
		return to == StatusCompleted
	}
	return false
}

// EmailDomain 返回邮箱 @ 之后的域名部分（小写）；无 @ 时返回空串
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// RequiresApproval 判断是否需要管理员审批。
// 业务规则：reason 为 personal_preference 或 name_change 且域名不变时免审批，
// 其余一律需要人工审批（例如 security_concern 永远需要）。
func RequiresApproval(reason, currentEmail, newEmail string) bool {
	if reason != ReasonPersonalPreference && reason != ReasonNameChange {
		return true
	}
	cd := EmailDomain(currentEmail)
	nd := EmailDomain(newEmail)
	if cd == "" || nd == "" {
		return true
	}
	return cd != nd
}

// IsVerified 指定一侧是否已验证
func (r *EmailChangeRequest) IsVerified(emailType string) bool {
	if emailType == EmailTypeCurrent {
		return r.CurrentEmailVerified
	}
	return r.NewEmailVerified
}

// BothVerified 两侧是否均已验证（离开 pending_verification 的前提）
func (r *EmailChangeRequest) BothVerified() bool {
	return r.CurrentEmailVerified && r.NewEmailVerified
}

// TokensExpired 令牌是否过期（严格 now > expiresAt，无宽限期）
func (r *EmailChangeRequest) TokensExpired(now time.Time) bool {
	return now.After(r.TokensExpireAt)
}
