package validation

import (
	"fmt"
	"strings"
	"time"

	"tempo-accounts/internal/domain"
)

// 纯函数校验层：只做形状校验和业务规则判断，不触碰存储。
// 形状错误统一通过 Result 返回，方便 handler 直接拼装错误响应。

// 长度上限
const (
	MaxCustomReasonLength    = 500
	MaxApprovalNotesLength   = 1000
	MaxRejectionReasonLength = 1000
)

// CooldownWindow 同一用户两次提交之间的冷却时间
const CooldownWindow = 24 * time.Hour

// Result 校验结果
type Result struct {
	IsValid bool
	Errors  []string
}

func ok() Result {
	return Result{IsValid: true}
}

func invalid(errs []string) Result {
	return Result{IsValid: false, Errors: errs}
}

// IsValidEmailFormat 邮箱格式校验：local@domain，domain 至少含一个点。
// 只做可信度检查，真正的可达性由验证邮件本身保证。
func IsValidEmailFormat(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	local, dom := email[:at], email[at+1:]
	if strings.ContainsAny(local, " \t") || strings.ContainsAny(dom, " \t@") {
		return false
	}
	dot := strings.Index(dom, ".")
	if dot <= 0 || dot == len(dom)-1 {
		return false
	}
	return true
}

// ValidateCreateRequest 提交变更请求的载荷校验
func ValidateCreateRequest(newEmail, reason, customReason string) Result {
	var errs []string

	newEmail = strings.TrimSpace(newEmail)
	if newEmail == "" {
		errs = append(errs, "newEmail is required")
	} else if !IsValidEmailFormat(newEmail) {
		errs = append(errs, "newEmail has an invalid format")
	}

	if reason == "" {
		errs = append(errs, "reason is required")
	} else if !domain.IsValidReason(reason) {
		errs = append(errs, fmt.Sprintf("reason %q is not a valid change reason", reason))
	}

	if reason == domain.ReasonOther {
		if strings.TrimSpace(customReason) == "" {
			errs = append(errs, "customReason is required when reason is 'other'")
		} else if len(customReason) > MaxCustomReasonLength {
			errs = append(errs, fmt.Sprintf("customReason must be at most %d characters", MaxCustomReasonLength))
		}
	}

	if len(errs) > 0 {
		return invalid(errs)
	}
	return ok()
}

// ValidateVerifyRequest 验证操作载荷校验
func ValidateVerifyRequest(tok, emailType string) Result {
	var errs []string
	if tok == "" {
		errs = append(errs, "token is required")
	}
	if emailType == "" {
		errs = append(errs, "emailType is required")
	} else if !domain.IsValidEmailType(emailType) {
		errs = append(errs, "emailType must be 'current' or 'new'")
	}
	if len(errs) > 0 {
		return invalid(errs)
	}
	return ok()
}

// ValidateResendRequest 重发验证邮件载荷校验
func ValidateResendRequest(emailType string) Result {
	if emailType == "" {
		return invalid([]string{"emailType is required"})
	}
	if !domain.IsValidEmailType(emailType) {
		return invalid([]string{"emailType must be 'current' or 'new'"})
	}
	return ok()
}

// ValidateApproveRequest 审批载荷校验（备注可选）
func ValidateApproveRequest(approvalNotes string) Result {
	if len(approvalNotes) > MaxApprovalNotesLength {
		return invalid([]string{fmt.Sprintf("approvalNotes must be at most %d characters", MaxApprovalNotesLength)})
	}
	return ok()
}

// ValidateRejectRequest 驳回载荷校验（原因必填）
func ValidateRejectRequest(rejectionReason string) Result {
	if strings.TrimSpace(rejectionReason) == "" {
		return invalid([]string{"rejectionReason is required"})
	}
	if len(rejectionReason) > MaxRejectionReasonLength {
		return invalid([]string{fmt.Sprintf("rejectionReason must be at most %d characters", MaxRejectionReasonLength)})
	}
	return ok()
}

// IsSameEmail 大小写不敏感的邮箱相等判断
func IsSameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// InCooldown 距上次提交是否仍在冷却窗口内
func InCooldown(lastRequestedAt, now time.Time) bool {
	if lastRequestedAt.IsZero() {
		return false
	}
	return now.Sub(lastRequestedAt) < CooldownWindow
}
