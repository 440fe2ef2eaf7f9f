package service

import "errors"

// ErrorCode 对外错误码（符号化枚举，调用方不做 message 字符串匹配）
type ErrorCode string

const (
	CodeUnauthenticated             ErrorCode = "UNAUTHENTICATED"
	CodeInsufficientPermissions     ErrorCode = "INSUFFICIENT_PERMISSIONS"
	CodeInsufficientApprovalPerms   ErrorCode = "INSUFFICIENT_APPROVAL_PERMISSIONS"
	CodeRequestNotFound             ErrorCode = "EMAIL_CHANGE_REQUEST_NOT_FOUND"
	CodeInvalidRequestData          ErrorCode = "INVALID_REQUEST_DATA"
	CodeEmailAlreadyExists          ErrorCode = "EMAIL_ALREADY_EXISTS"
	CodeActiveRequestExists         ErrorCode = "ACTIVE_REQUEST_EXISTS"
	CodeSameAsCurrentEmail          ErrorCode = "SAME_AS_CURRENT_EMAIL"
	CodeCooldownActive              ErrorCode = "COOLDOWN_ACTIVE"
	CodeInvalidVerificationToken    ErrorCode = "INVALID_VERIFICATION_TOKEN"
	CodeVerificationTokenExpired    ErrorCode = "VERIFICATION_TOKEN_EXPIRED"
	CodeEmailAlreadyVerified        ErrorCode = "EMAIL_ALREADY_VERIFIED"
	CodeRequestNotPendingApproval   ErrorCode = "REQUEST_NOT_PENDING_APPROVAL"
	CodeRequestNotApproved          ErrorCode = "REQUEST_NOT_APPROVED"
	CodeCannotApproveOwnRequest     ErrorCode = "CANNOT_APPROVE_OWN_REQUEST"
	CodeCannotRejectOwnRequest      ErrorCode = "CANNOT_REJECT_OWN_REQUEST"
	CodeCannotCancelRequest         ErrorCode = "CANNOT_CANCEL_REQUEST"
	CodeRequestAlreadyCompleted     ErrorCode = "REQUEST_ALREADY_COMPLETED"
	CodeVerificationRateLimited     ErrorCode = "VERIFICATION_RATE_LIMITED"
	CodeEmailSendFailed             ErrorCode = "EMAIL_SEND_FAILED"
	CodeProcessingFailed            ErrorCode = "EMAIL_CHANGE_PROCESSING_FAILED"
	CodeUserNotFound                ErrorCode = "USER_NOT_FOUND"
	CodeInternal                    ErrorCode = "INTERNAL_ERROR"
)

// Error 带符号码的服务层错误
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError 构造服务层错误
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf 提取错误码；非 *Error 一律视为 INTERNAL_ERROR
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}
