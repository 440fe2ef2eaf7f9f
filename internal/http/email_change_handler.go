package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tempo-accounts/internal/service"
)

// EmailChangeHandler 邮箱变更 API Handler
type EmailChangeHandler struct {
	svc    *service.EmailChangeService
	logger *zap.Logger
}

// NewEmailChangeHandler 创建邮箱变更 Handler
func NewEmailChangeHandler(svc *service.EmailChangeService, logger *zap.Logger) *EmailChangeHandler {
	return &EmailChangeHandler{svc: svc, logger: logger}
}

// statusOf 错误码 -> HTTP 状态码
func statusOf(code service.ErrorCode) int {
	switch code {
	case service.CodeUnauthenticated:
		return http.StatusUnauthorized
	case service.CodeInsufficientPermissions,
		service.CodeInsufficientApprovalPerms,
		service.CodeCannotApproveOwnRequest,
		service.CodeCannotRejectOwnRequest:
		return http.StatusForbidden
	case service.CodeRequestNotFound, service.CodeUserNotFound:
		return http.StatusNotFound
	case service.CodeActiveRequestExists,
		service.CodeEmailAlreadyExists,
		service.CodeRequestNotPendingApproval,
		service.CodeRequestNotApproved,
		service.CodeCannotCancelRequest:
		return http.StatusConflict
	case service.CodeVerificationTokenExpired,
		service.CodeEmailAlreadyVerified,
		service.CodeRequestAlreadyCompleted:
		return http.StatusGone
	case service.CodeVerificationRateLimited, service.CodeCooldownActive:
		return http.StatusTooManyRequests
	case service.CodeEmailSendFailed, service.CodeProcessingFailed:
		return http.StatusBadGateway
	case service.CodeInvalidRequestData,
		service.CodeInvalidVerificationToken,
		service.CodeSameAsCurrentEmail:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *EmailChangeHandler) writeError(w http.ResponseWriter, err error) {
	var svcErr *service.Error
	if e, ok := err.(*service.Error); ok {
		svcErr = e
	} else {
		svcErr = service.NewError(service.CodeInternal, "internal error")
	}
	writeJSON(w, statusOf(svcErr.Code), Fail(string(svcErr.Code), svcErr.Message))
}

// Submit POST /accounts/api/v1/email-change/requests
func (h *EmailChangeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       string `json:"userId"`
		NewEmail     string `json:"newEmail"`
		Reason       string `json:"reason"`
		CustomReason string `json:"customReason"`
	}
	if err := readBodyJSON(r, 1<<20, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(string(service.CodeInvalidRequestData), "invalid JSON body"))
		return
	}

	resp, err := h.svc.Submit(r.Context(), principalFrom(r), service.SubmitRequest{
		TargetUserID: body.UserID,
		NewEmail:     body.NewEmail,
		Reason:       body.Reason,
		CustomReason: body.CustomReason,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(resp))
}

// Verify POST /accounts/api/v1/email-change/verify
// 公开接口：持有效令牌即授权，也支持 GET（邮件里的链接直达）
func (h *EmailChangeHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token     string `json:"token"`
		EmailType string `json:"emailType"`
	}
	if r.Method == http.MethodPost {
		if err := readBodyJSON(r, 1<<20, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, Fail(string(service.CodeInvalidRequestData), "invalid JSON body"))
			return
		}
	}
	if body.Token == "" {
		body.Token = r.URL.Query().Get("token")
	}
	if body.EmailType == "" {
		body.EmailType = r.URL.Query().Get("type")
	}

	resp, err := h.svc.Verify(r.Context(), service.VerifyRequest{
		Token:     body.Token,
		EmailType: body.EmailType,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Resend POST /accounts/api/v1/email-change/requests/{id}/resend-verification
func (h *EmailChangeHandler) Resend(w http.ResponseWriter, r *http.Request, requestID string) {
	var body struct {
		EmailType string `json:"emailType"`
	}
	if err := readBodyJSON(r, 1<<20, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(string(service.CodeInvalidRequestData), "invalid JSON body"))
		return
	}

	resp, err := h.svc.Resend(r.Context(), principalFrom(r), service.ResendRequest{
		RequestID: requestID,
		EmailType: body.EmailType,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Approve POST /accounts/api/v1/email-change/requests/{id}/approve
func (h *EmailChangeHandler) Approve(w http.ResponseWriter, r *http.Request, requestID string) {
	var body struct {
		ApprovalNotes string `json:"approvalNotes"`
	}
	if err := readBodyJSON(r, 1<<20, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(string(service.CodeInvalidRequestData), "invalid JSON body"))
		return
	}

	resp, err := h.svc.Approve(r.Context(), principalFrom(r), service.ApproveRequest{
		RequestID:     requestID,
		ApprovalNotes: body.ApprovalNotes,
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Reject POST /accounts/api/v1/email-change/requests/{id}/reject
func (h *EmailChangeHandler) Reject(w http.ResponseWriter, r *http.Request, requestID string) {
	var body struct {
		RejectionReason string `json:"rejectionReason"`
	}
	if err := readBodyJSON(r, 1<<20, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(string(service.CodeInvalidRequestData), "invalid JSON body"))
		return
	}

	resp, err := h.svc.Reject(r.Context(), principalFrom(r), service.RejectRequest{
		RequestID:       requestID,
		RejectionReason: body.RejectionReason,
		IPAddress:       clientIP(r),
		UserAgent:       r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Cancel POST /accounts/api/v1/email-change/requests/{id}/cancel
func (h *EmailChangeHandler) Cancel(w http.ResponseWriter, r *http.Request, requestID string) {
	resp, err := h.svc.Cancel(r.Context(), principalFrom(r), service.CancelRequest{
		RequestID: requestID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Process POST /accounts/api/v1/email-change/requests/{id}/process
func (h *EmailChangeHandler) Process(w http.ResponseWriter, r *http.Request, requestID string) {
	resp, err := h.svc.Process(r.Context(), principalFrom(r), service.ProcessRequest{
		RequestID: requestID,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

func listRequestFrom(r *http.Request) service.ListRequest {
	q := r.URL.Query()
	return service.ListRequest{
		UserID:           q.Get("userId"),
		Status:           q.Get("status"),
		IncludeCompleted: q.Get("includeCompleted") == "true",
		SortBy:           q.Get("sortBy"),
		SortOrder:        q.Get("sortOrder"),
		Limit:            parseInt(q.Get("limit"), 0),
		Cursor:           q.Get("cursor"),
	}
}

// List GET /accounts/api/v1/email-change/requests
func (h *EmailChangeHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context(), principalFrom(r), listRequestFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// Export GET /accounts/api/v1/email-change/requests/export
// 管理员导出当前筛选结果为 Excel
func (h *EmailChangeHandler) Export(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if !principal.IsAdmin() {
		writeJSON(w, http.StatusForbidden,
			Fail(string(service.CodeInsufficientPermissions), "administrator role is required to export requests"))
		return
	}

	req := listRequestFrom(r)
	if req.Limit == 0 {
		req.Limit = 100
	}
	resp, err := h.svc.List(r.Context(), principal, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data, err := GenerateEmailChangeExport(resp.Items)
	if err != nil {
		h.logger.Error("Failed to generate export file", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(string(service.CodeInternal), "failed to generate export file"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="email-change-requests.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Get GET /accounts/api/v1/email-change/requests/{id}
func (h *EmailChangeHandler) Get(w http.ResponseWriter, r *http.Request, requestID string) {
	resp, err := h.svc.Get(r.Context(), principalFrom(r), requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// ServeRequestSubpath 分发 /requests/{id} 及其动作子路径
func (h *EmailChangeHandler) ServeRequestSubpath(w http.ResponseWriter, r *http.Request, subpath string) {
	parts := strings.SplitN(subpath, "/", 2)
	requestID := parts[0]
	if requestID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Get(w, r, requestID)
	case "approve":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Approve(w, r, requestID)
	case "reject":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Reject(w, r, requestID)
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Cancel(w, r, requestID)
	case "process":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Process(w, r, requestID)
	case "resend-verification":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Resend(w, r, requestID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
